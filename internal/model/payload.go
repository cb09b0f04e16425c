package model

// JSON keys below are part of the identity hash input; renaming one changes
// every stored hash.

type VmessPayload struct {
	Address     string `json:"add"`
	Port        Port   `json:"port"`
	UserID      string `json:"id"`
	AlterID     string `json:"aid"`
	Network     string `json:"net"`
	Cipher      string `json:"scy"`
	WSHost      string `json:"host"`
	WSPath      string `json:"path"`
	Type        string `json:"type"`
	Mode        string `json:"mode"`
	TLS         bool   `json:"tls"`
	ALPN        string `json:"alpn"`
	Fingerprint string `json:"fp"`
}

type VlessPayload struct {
	Address     string `json:"add"`
	Port        Port   `json:"port"`
	UserID      string `json:"id"`
	Network     string `json:"net"`
	Cipher      string `json:"scy"`
	Host        string `json:"host"`
	Path        string `json:"path"`
	Mode        string `json:"mode"`
	Extra       string `json:"extra"`
	ALPN        string `json:"alpn"`
	Fingerprint string `json:"fp"`
	Flow        string `json:"flow"`

	// REALITY
	PublicKey string `json:"pbk"`
	ShortID   string `json:"sid"`
	SpiderX   string `json:"spx"`
}

type SsPayload struct {
	Address  string `json:"add"`
	Port     Port   `json:"port"`
	Password string `json:"pwd"`
	Cipher   string `json:"scy"`
}

type TrojanPayload struct {
	Address  string `json:"add"`
	Port     Port   `json:"port"`
	Password string `json:"pwd"`
	Network  string `json:"net"`
	Security string `json:"scy"`
	Host     string `json:"host"`
	Path     string `json:"path"`
}

func (VmessPayload) Protocol() ProtocolType  { return ProtocolVmess }
func (VlessPayload) Protocol() ProtocolType  { return ProtocolVless }
func (SsPayload) Protocol() ProtocolType     { return ProtocolSS }
func (TrojanPayload) Protocol() ProtocolType { return ProtocolTrojan }

func (p VmessPayload) Endpoint() (string, Port)  { return p.Address, p.Port }
func (p VlessPayload) Endpoint() (string, Port)  { return p.Address, p.Port }
func (p SsPayload) Endpoint() (string, Port)     { return p.Address, p.Port }
func (p TrojanPayload) Endpoint() (string, Port) { return p.Address, p.Port }

func (VmessPayload) isPayload()  {}
func (VlessPayload) isPayload()  {}
func (SsPayload) isPayload()     {}
func (TrojanPayload) isPayload() {}

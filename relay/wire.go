package relay

import (
	"encoding/json"
)

// wireRecord is the JSON shape served to clients.
type wireRecord struct {
	Fingerprint string   `json:"fingerprint"`
	Nickname    string   `json:"nickname"`
	Address     string   `json:"address"`
	ORPort      uint16   `json:"orPort"`
	DirPort     *uint16  `json:"dirPort,omitempty"`
	Flags       []string `json:"flags"`
	Bandwidth   uint64   `json:"bandwidth"`
	OnionKey    string   `json:"onionKey,omitempty"`
	Role        Role     `json:"role"`
	ExitPolicy  string   `json:"exitPolicy,omitempty"`
}

// MarshalJSON encodes the record in its wire shape. The optional directory
// port is omitted when the source did not provide one.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Fingerprint: r.Fingerprint,
		Nickname:    r.Nickname,
		Address:     r.Address,
		ORPort:      r.ORPort,
		Flags:       r.Flags,
		Bandwidth:   r.Bandwidth,
		OnionKey:    r.OnionKey,
		Role:        r.Role,
		ExitPolicy:  r.ExitPolicy,
	}
	if w.Flags == nil {
		w.Flags = []string{}
	}
	r.DirPort.WhenSome(func(port uint16) {
		w.DirPort = &port
	})

	return json.Marshal(w)
}

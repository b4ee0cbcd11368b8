package serverlist

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Protocol names understood by the proxy.
const (
	ProtocolConnect = "connect"
	ProtocolMasque  = "masque"
)

// DefaultPort is used for servers that do not specify one.
const DefaultPort = 443

// Protocol describes how to reach a server.
type Protocol struct {
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// Scheme is used by connect, default "https".
	Scheme string `json:"scheme,omitempty"`
	// TemplateString is the MASQUE URI template.
	TemplateString string `json:"templateString,omitempty"`
}

// UnmarshalJSON validates the protocol name and fills defaults.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	type raw Protocol
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Name {
	case ProtocolConnect:
		if r.Scheme == "" {
			r.Scheme = "https"
		}
		r.TemplateString = ""
	case ProtocolMasque:
		r.Scheme = ""
	default:
		return fmt.Errorf("unknown protocol: %q", r.Name)
	}
	*p = Protocol(r)
	return nil
}

// Server is a single proxy endpoint.
type Server struct {
	Hostname    string     `json:"hostname"`
	Port        int        `json:"port"`
	Quarantined bool       `json:"quarantined,omitempty"`
	Protocols   []Protocol `json:"protocols,omitempty"`
}

// UnmarshalJSON fills the default port and, when no protocol is listed,
// a connect protocol at the server's own address.
func (s *Server) UnmarshalJSON(data []byte) error {
	type raw Server
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if len(r.Protocols) == 0 {
		r.Protocols = []Protocol{{
			Name:   ProtocolConnect,
			Host:   r.Hostname,
			Port:   r.Port,
			Scheme: "https",
		}}
	}
	*s = Server(r)
	return nil
}

// City groups the servers of one location. Code is a stable identifier
// (usually a Wikidata id); Name is a display fallback and may be empty.
type City struct {
	Name    string   `json:"name"`
	Code    string   `json:"code"`
	Servers []Server `json:"servers"`
}

// Country groups cities. Code is usually an ISO 3166-1 alpha-2 code.
type Country struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	Cities []City `json:"cities"`
}

// Location is a country/city pair.
type Location struct {
	Country *Country
	City    *City
}

// DecodeList parses a raw list. Anything that is not a JSON array decodes
// to an empty list; malformed entries are an error.
func DecodeList(data []byte) ([]Country, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []Country{}, nil
	}
	var countries []Country
	if err := json.Unmarshal(trimmed, &countries); err != nil {
		return nil, fmt.Errorf("decode server list: %w", err)
	}
	if countries == nil {
		countries = []Country{}
	}
	return countries, nil
}

package protocol

import "fmt"

// TransportKind names which physical transport a logical connection uses.
type TransportKind string

const (
	TransportDefault   TransportKind = "default"
	TransportSecondary TransportKind = "secondary"
)

// Transport names reported in TransportState.
const (
	DefaultTransportName   = "gateway"
	SecondaryTransportName = "websocket"
)

// Auth is passed through untouched to the secondary transport.
type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// TransportConfig describes the preferred (secondary) endpoint.
type TransportConfig struct {
	URL  string `json:"url"`
	Auth *Auth  `json:"auth,omitempty"`
}

// SwitchSettings is the payload of a transportSwitchRequest:
//
//	{type:"default"} | {type:"secondary", transportConfig:{url, auth}}
type SwitchSettings struct {
	Type            TransportKind    `json:"type"`
	TransportConfig *TransportConfig `json:"transportConfig,omitempty"`
}

// DefaultSettings returns the settings that select the local gateway.
func DefaultSettings() SwitchSettings {
	return SwitchSettings{Type: TransportDefault}
}

// SecondarySettings returns the settings that select the preferred endpoint.
func SecondarySettings(url string, auth *Auth) SwitchSettings {
	return SwitchSettings{
		Type:            TransportSecondary,
		TransportConfig: &TransportConfig{URL: url, Auth: auth},
	}
}

// Validate checks that the settings name a known transport.
func (s SwitchSettings) Validate() error {
	switch s.Type {
	case TransportDefault:
		return nil
	case TransportSecondary:
		if s.TransportConfig == nil || s.TransportConfig.URL == "" {
			return fmt.Errorf("secondary transport requires a url")
		}
		return nil
	default:
		return fmt.Errorf("unknown transport type %q", s.Type)
	}
}

// State returns the TransportState a connection reaches after applying s.
func (s SwitchSettings) State() TransportState {
	if s.Type == TransportSecondary {
		return TransportState{
			TransportName:   SecondaryTransportName,
			Kind:            TransportSecondary,
			TransportConfig: s.TransportConfig,
		}
	}
	return TransportState{TransportName: DefaultTransportName, Kind: TransportDefault}
}

// TransportState describes which transport a logical connection currently uses.
type TransportState struct {
	TransportName   string           `json:"transportName"`
	Kind            TransportKind    `json:"kind"`
	TransportConfig *TransportConfig `json:"transportConfig,omitempty"`
}

// Settings converts the state back into the settings that produce it.
func (s TransportState) Settings() SwitchSettings {
	if s.Kind == TransportSecondary {
		return SwitchSettings{Type: TransportSecondary, TransportConfig: s.TransportConfig}
	}
	return DefaultSettings()
}

// URL returns the secondary endpoint url, or "" on the default transport.
func (s TransportState) URL() string {
	if s.TransportConfig == nil {
		return ""
	}
	return s.TransportConfig.URL
}

// Same reports whether both states select the same endpoint.
func (s TransportState) Same(o TransportState) bool {
	return s.Kind == o.Kind && s.URL() == o.URL()
}

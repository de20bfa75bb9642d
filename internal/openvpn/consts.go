// Package openvpn describes the lifecycle events OpenVPN reports to plugins
// and scripts, and which of them move the tunnel between up and down.
//
// The numeric ids are the OPENVPN_PLUGIN_* values from openvpn-plugin.h.
package openvpn

// EventID is an OPENVPN_PLUGIN_* event number.
type EventID int

const (
	PluginUp                 EventID = 0
	PluginDown               EventID = 1
	PluginRouteUp            EventID = 2
	PluginIPChange           EventID = 3
	PluginTLSVerify          EventID = 4
	PluginAuthUserPassVerify EventID = 5
	PluginClientConnect      EventID = 6
	PluginClientDisconnect   EventID = 7
	PluginLearnAddress       EventID = 8
	PluginClientConnectV2    EventID = 9
	PluginTLSFinal           EventID = 10
	PluginEnablePF           EventID = 11
	PluginRoutePredown       EventID = 12
	PluginN                  EventID = 13
)

// Return values a plugin hands back to OpenVPN.
const (
	FuncSuccess  = 0
	FuncError    = 1
	FuncDeferred = 2
)

const UnknownName = "UNKNOWN"

var eventNames = map[EventID]string{
	PluginUp:                 "PLUGIN_UP",
	PluginDown:               "PLUGIN_DOWN",
	PluginRouteUp:            "PLUGIN_ROUTE_UP",
	PluginIPChange:           "PLUGIN_IPCHANGE",
	PluginTLSVerify:          "PLUGIN_TLS_VERIFY",
	PluginAuthUserPassVerify: "PLUGIN_AUTH_USER_PASS_VERIFY",
	PluginClientConnect:      "PLUGIN_CLIENT_CONNECT",
	PluginClientDisconnect:   "PLUGIN_CLIENT_DISCONNECT",
	PluginLearnAddress:       "PLUGIN_LEARN_ADDRESS",
	PluginClientConnectV2:    "PLUGIN_CLIENT_CONNECT_V2",
	PluginTLSFinal:           "PLUGIN_TLS_FINAL",
	PluginEnablePF:           "PLUGIN_ENABLE_PF",
	PluginRoutePredown:       "PLUGIN_ROUTE_PREDOWN",
	PluginN:                  "PLUGIN_N",
}

// EventName returns the PLUGIN_* name of id, or UnknownName.
func EventName(id EventID) string {
	if n, ok := eventNames[id]; ok {
		return n
	}
	return UnknownName
}

func (id EventID) String() string { return EventName(id) }

// script_type values OpenVPN exports to --up/--down style scripts.
var scriptTypes = map[string]EventID{
	"up":                    PluginUp,
	"down":                  PluginDown,
	"route-up":              PluginRouteUp,
	"ipchange":              PluginIPChange,
	"tls-verify":            PluginTLSVerify,
	"auth-user-pass-verify": PluginAuthUserPassVerify,
	"client-connect":        PluginClientConnect,
	"client-disconnect":     PluginClientDisconnect,
	"learn-address":         PluginLearnAddress,
	"route-pre-down":        PluginRoutePredown,
}

// EventFromScriptType maps a script_type value to its plugin event id.
func EventFromScriptType(scriptType string) (EventID, bool) {
	id, ok := scriptTypes[scriptType]
	return id, ok
}

// Transition is the effect an event has on the tunnel.
type Transition int

const (
	NoTransition Transition = iota
	TransitionUp
	TransitionDown
)

// TransitionFor reports whether id brings the tunnel up or down. Routes are
// only in place after PLUGIN_ROUTE_UP, so that is the event that counts as up.
// Every other id, known or not, has no effect.
func TransitionFor(id EventID) Transition {
	switch id {
	case PluginRouteUp:
		return TransitionUp
	case PluginDown, PluginRoutePredown:
		return TransitionDown
	default:
		return NoTransition
	}
}

package translate

import (
	"strconv"
	"strings"
)

// Assistant-visible device ids address one logical device:
//
//	<clientId>/<protocol>/<address>        single-endpoint device
//	<clientId>/<protocol>/<address>#<ep>   one logical device per endpoint
//
// The client id never contains '/', so the first segment is unambiguous.

// AgentID joins the routing triple into an assistant-visible id. The endpoint
// suffix is only present for multi-endpoint devices.
func AgentID(clientID, deviceID string, endpoint int, multiEndpoint bool) string {
	id := clientID + "/" + deviceID
	if multiEndpoint {
		id += "#" + strconv.Itoa(endpoint)
	}
	return id
}

// ParseAgentID splits an assistant device id back into its routing triple.
// ok is false for ids that do not match the grammar.
func ParseAgentID(id string) (clientID, deviceID string, endpoint int, ok bool) {
	base := id
	if head, suffix, found := strings.Cut(id, "#"); found {
		ep, err := strconv.Atoi(suffix)
		if err != nil || ep < 0 {
			return "", "", 0, false
		}
		base, endpoint = head, ep
	}

	clientID, deviceID, found := strings.Cut(base, "/")
	if !found || clientID == "" || !strings.Contains(deviceID, "/") {
		return "", "", 0, false
	}
	return clientID, deviceID, endpoint, true
}

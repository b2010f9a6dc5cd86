package node

import "encoding/json"

// Invite is the out-of-band bootstrap token: the group to join and one
// current member to dial first. It travels as a raw JSON string, shared by
// copy-paste or a QR code encoding the same string.
type Invite struct {
	GroupID string `json:"groupId"`
	PeerID  string `json:"peerId"`
}

// ParseInvite decodes and validates an invite code. A malformed code fails
// synchronously with ErrInvalidInvite and changes no state.
func ParseInvite(code string) (Invite, error) {
	var inv Invite
	if err := json.Unmarshal([]byte(code), &inv); err != nil {
		return Invite{}, ErrInvalidInvite
	}
	if inv.GroupID == "" || inv.PeerID == "" {
		return Invite{}, ErrInvalidInvite
	}
	return inv, nil
}

package xframe

import (
	"context"
	"encoding/json"
	"time"
)

// NewChild builds the messenger of an embedded context. Every outbound
// envelope goes to parent with parentOrigin as target origin, and inbound
// envelopes are accepted from parentOrigin only.
func NewChild(inbound Inbound, parent Destination, parentOrigin string, opts ...Option) (*Messenger, error) {
	if parentOrigin == "" {
		parentOrigin = AnyOrigin
	}
	opts = append([]Option{WithExpectedOrigin(parentOrigin)}, opts...)
	return NewMessenger(inbound, NewSingleResolver(parent, parentOrigin), opts...)
}

// Host is the messenger of a page embedding several child contexts. The
// embedded single-destination operations (Send, Request, Respond) fail
// with ErrNoDefaultDestination; use the *To variants.
type Host struct {
	*Messenger
	registry *Registry
	groups   *GroupManager
}

// NewHost builds a host messenger. It accepts inbound envelopes from any
// origin unless WithExpectedOrigin is given.
func NewHost(inbound Inbound, opts ...Option) (*Host, error) {
	registry := NewRegistry()
	m, err := NewMessenger(inbound, registry, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{Messenger: m, registry: registry, groups: NewGroupManager()}, nil
}

// RegisterDestination stores dest under id with the origin it must have to
// receive envelopes.
func (h *Host) RegisterDestination(id string, dest Destination, origin string) error {
	return h.registry.Register(id, dest, origin)
}

// UnregisterDestination removes id from the registry and from every
// group it joined.
func (h *Host) UnregisterDestination(id string) {
	h.registry.Unregister(id)
	h.groups.RemoveMember(id)
}

// Destinations returns the registered ids in sorted order.
func (h *Host) Destinations() []string {
	return h.registry.IDs()
}

func (h *Host) Registry() *Registry { return h.registry }

func (h *Host) SendTo(id string, msgType string, payload any) error {
	if id == "" {
		return &DestinationError{ID: id}
	}
	return h.sendVia(id, msgType, payload)
}

func (h *Host) RequestTo(ctx context.Context, id string, msgType string, payload any) (json.RawMessage, error) {
	return h.RequestToTimeout(ctx, id, msgType, payload, 0)
}

func (h *Host) RequestToTimeout(ctx context.Context, id string, msgType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f, err := h.RequestToAsync(id, msgType, payload, timeout)
	if err != nil {
		return nil, err
	}
	return h.await(ctx, f)
}

func (h *Host) RequestToAsync(id string, msgType string, payload any, timeout time.Duration) (*Future, error) {
	if id == "" {
		return nil, &DestinationError{ID: id}
	}
	return h.requestVia(id, msgType, payload, timeout)
}

func (h *Host) RespondTo(id string, requestID string, payload any, errMsg string) error {
	if id == "" {
		return &DestinationError{ID: id}
	}
	return h.respondVia(id, requestID, payload, errMsg)
}

// TrackConnections registers every connection s accepts under its
// connection id, with the connection's origin, and unregisters it when the
// connection closes.
func (h *Host) TrackConnections(s *Server) {
	s.OnConnect(func(_ context.Context, c *Conn) error {
		return h.RegisterDestination(string(c.ID()), c, c.Origin())
	})
	s.OnDisconnect(func(_ context.Context, c *Conn, _ DisconnectReason) {
		h.UnregisterDestination(string(c.ID()))
	})
}

// JoinGroup adds a registered destination to group.
func (h *Host) JoinGroup(group GroupID, id string) error {
	if _, _, err := h.registry.Resolve(id); err != nil {
		return err
	}
	return h.groups.Join(group, id)
}

func (h *Host) LeaveGroup(group GroupID, id string) {
	h.groups.Leave(group, id)
}

func (h *Host) Groups() *GroupManager { return h.groups }

// BroadcastTo sends msgType to every member of group except the ids in
// except. A failed member does not stop delivery to the others.
func (h *Host) BroadcastTo(group GroupID, msgType string, payload any, except ...string) (BatchDeliveryReport, error) {
	return h.fanOut(h.groups.Members(group), msgType, payload, except)
}

// Broadcast sends msgType to every registered destination.
func (h *Host) Broadcast(msgType string, payload any, except ...string) (BatchDeliveryReport, error) {
	return h.fanOut(h.registry.IDs(), msgType, payload, except)
}

func (h *Host) fanOut(ids []string, msgType string, payload any, except []string) (BatchDeliveryReport, error) {
	var report BatchDeliveryReport
	if h.destroyed.Load() {
		return report, ErrMessengerDestroyed
	}
	if _, err := newCommand(msgType, payload, ""); err != nil {
		return report, err
	}

	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := skip[id]; ok {
			continue
		}
		report.add(id, h.sendVia(id, msgType, payload))
	}

	if report.Total > 0 && report.Success == 0 {
		return report, ErrDestinationUnavailable
	}
	return report, nil
}

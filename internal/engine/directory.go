package engine

import (
	"sort"

	"github.com/dkeye/Ensemble/internal/domain"
)

// Directory tracks live channels and the sockets subscribed to the channel
// list. Owned by the server loop.
type Directory struct {
	channels    map[string]*Channel
	subscribers map[domain.SocketID]struct{}
}

func newDirectory() *Directory {
	return &Directory{
		channels:    make(map[string]*Channel),
		subscribers: make(map[domain.SocketID]struct{}),
	}
}

func (d *Directory) Get(id string) (*Channel, bool) {
	ch, ok := d.channels[id]
	return ch, ok
}

func (d *Directory) Add(ch *Channel)  { d.channels[ch.id] = ch }
func (d *Directory) Remove(id string) { delete(d.channels, id) }

// List returns all channels in a stable order.
func (d *Directory) List() []*Channel {
	ids := make([]string, 0, len(d.channels))
	for id := range d.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Channel, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.channels[id])
	}
	return out
}

// VisibleInfo snapshots every visible channel for the requesting user.
func (d *Directory) VisibleInfo(forUser domain.UserID) []domain.ChannelInfo {
	var out []domain.ChannelInfo
	for _, ch := range d.List() {
		if !ch.settings.Visible {
			continue
		}
		out = append(out, ch.getInfo(forUser))
	}
	return out
}

func (d *Directory) Subscribe(id domain.SocketID)   { d.subscribers[id] = struct{}{} }
func (d *Directory) Unsubscribe(id domain.SocketID) { delete(d.subscribers, id) }

func (d *Directory) Subscribed(id domain.SocketID) bool {
	_, ok := d.subscribers[id]
	return ok
}

package ws

import (
	"sync"
	"sync/atomic"
)

// outboxSize bounds how far a subscriber may fall behind before it is evicted.
const outboxSize = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers grouped by deployment ID. Membership
// changes happen on the hub goroutine; each subscriber is written by its own
// goroutine from a bounded queue, so a stalled reader never holds up the hub
// or the callers of Broadcast.
type Hub struct {
	clients   map[string]map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type outbox struct {
	client  Subscriber
	queue   chan []byte
	evicted atomic.Bool
}

type message struct {
	deploymentID string
	payload      []byte
}

type subscription struct {
	deploymentID string
	client       Subscriber
}

type countRequest struct {
	deploymentID string
	reply        chan int
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c, o := range clients {
					close(o.queue)
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]*outbox)
			}
			if _, ok := h.clients[sub.deploymentID][sub.client]; ok {
				continue
			}
			o := &outbox{client: sub.client, queue: make(chan []byte, outboxSize)}
			h.clients[sub.deploymentID][sub.client] = o
			go h.drain(sub.deploymentID, o)
		case sub := <-h.unreg:
			h.drop(sub.deploymentID, sub.client)
		case msg := <-h.broadcast:
			for c, o := range h.clients[msg.deploymentID] {
				select {
				case o.queue <- msg.payload:
				default:
					o.evicted.Store(true)
					h.drop(msg.deploymentID, c)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.deploymentID])
		}
	}
}

// drain delivers queued payloads in order. A failed send or an eviction
// closes the subscriber; the queue is consumed until the hub closes it.
func (h *Hub) drain(deploymentID string, o *outbox) {
	failed := false
	for p := range o.queue {
		if failed || o.evicted.Load() {
			continue
		}
		if err := o.client.Send(p); err != nil {
			failed = true
			o.client.Close()
			h.Unregister(deploymentID, o.client)
		}
	}
	if !failed && o.evicted.Load() {
		o.client.Close()
	}
}

func (h *Hub) drop(deploymentID string, client Subscriber) {
	clients, ok := h.clients[deploymentID]
	if !ok {
		return
	}
	o, ok := clients[client]
	if !ok {
		return
	}
	close(o.queue)
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, deploymentID)
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	select {
	case h.register <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of the deployment.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	select {
	case h.broadcast <- message{deploymentID: deploymentID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow the deployment.
func (h *Hub) Subscribers(deploymentID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{deploymentID: deploymentID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

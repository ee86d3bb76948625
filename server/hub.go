// Package server exposes the sync protocol over HTTP: a REST surface for
// the request/response operations and a WebSocket hub that pushes accepted
// steps to subscribed clients.
package server

import (
	"context"
	"log"
	"sync"

	"github.com/teamhub/docsync/store"
	docsync "github.com/teamhub/docsync/sync"
)

type subscribeRequest struct {
	client  *Client
	docID   string
	version int
}

type broadcast struct {
	docID string
	steps []store.Step
}

// Hub routes accepted steps to the WebSocket clients subscribed to each
// document. It implements docsync.Broadcaster. All subscription state is
// owned by the Run goroutine.
type Hub struct {
	srv *docsync.Server

	mu          sync.RWMutex
	subscribers map[string]map[*Client]bool

	subscribe      chan subscribeRequest
	unsubscribeDoc chan subscribeRequest
	unsubscribe    chan *Client
	steps          chan broadcast
}

func NewHub(srv *docsync.Server) *Hub {
	return &Hub{
		srv:            srv,
		subscribers:    make(map[string]map[*Client]bool),
		subscribe:      make(chan subscribeRequest, 64),
		unsubscribeDoc: make(chan subscribeRequest, 64),
		unsubscribe:    make(chan *Client, 64),
		steps:          make(chan broadcast, 256),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.subscribe:
			h.handleSubscribe(req)
		case req := <-h.unsubscribeDoc:
			h.handleUnsubscribeDoc(req)
		case c := <-h.unsubscribe:
			h.handleUnsubscribe(c)
		case b := <-h.steps:
			h.handleBroadcast(b)
		}
	}
}

// BroadcastSteps hands accepted steps to the hub loop. Never blocks the
// submitter: if the hub is saturated the steps are dropped and subscribers
// recover by polling.
func (h *Hub) BroadcastSteps(docID string, steps []store.Step) {
	select {
	case h.steps <- broadcast{docID: docID, steps: steps}:
	default:
		log.Printf("hub: dropping broadcast for %q (%d steps), hub saturated", docID, len(steps))
	}
}

// handleSubscribe registers the client and replays any steps it missed
// between its announced version and the current latest, so the push channel
// starts gap-free.
func (h *Hub) handleSubscribe(req subscribeRequest) {
	missed, _, err := h.srv.GetSteps(context.Background(), req.docID, req.version)
	if err != nil {
		req.client.sendError("subscribe " + req.docID + ": " + err.Error())
		return
	}

	h.mu.Lock()
	subs := h.subscribers[req.docID]
	if subs == nil {
		subs = make(map[*Client]bool)
		h.subscribers[req.docID] = subs
	}
	subs[req.client] = true
	h.mu.Unlock()

	req.client.addDoc(req.docID)
	if len(missed) > 0 {
		req.client.sendMsg(stepsMessage(req.docID, missed))
	}
}

// handleUnsubscribeDoc drops one document subscription; the connection and
// its other subscriptions stay up.
func (h *Hub) handleUnsubscribeDoc(req subscribeRequest) {
	h.mu.Lock()
	if subs := h.subscribers[req.docID]; subs != nil {
		delete(subs, req.client)
		if len(subs) == 0 {
			delete(h.subscribers, req.docID)
		}
	}
	h.mu.Unlock()
	req.client.removeDoc(req.docID)
}

func (h *Hub) handleUnsubscribe(c *Client) {
	h.mu.Lock()
	for _, docID := range c.docs() {
		if subs := h.subscribers[docID]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscribers, docID)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) handleBroadcast(b broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscribers[b.docID] {
		c.sendMsg(stepsMessage(b.docID, b.steps))
	}
}

func stepsMessage(docID string, steps []store.Step) ServerMessage {
	payloads := make([]string, len(steps))
	clientIDs := make([]string, len(steps))
	for i, st := range steps {
		payloads[i] = st.Payload
		clientIDs[i] = st.ClientID
	}
	return ServerMessage{
		Type:      MsgSteps,
		DocID:     docID,
		Version:   steps[len(steps)-1].Version,
		Steps:     payloads,
		ClientIDs: clientIDs,
	}
}

// Subscribers returns the number of clients subscribed to a document.
func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[docID])
}

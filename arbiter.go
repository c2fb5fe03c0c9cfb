package susanoo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SessionConnectNode is one pending connect or reconnect, owned by a
// SessionController. A node runs exactly once; shutdown withdraws it.
type SessionConnectNode interface {
	ID() string
	IsReconnect() bool
	Shard() *ShardInfo

	// Run performs the connect. When isLast is false the node must also
	// wait for its session to reach AWAITING_LOGIN_CONFIRMATION before
	// returning, so the next shard cannot identify too early.
	Run(isLast bool) error
}

// SessionController serialises identifies across every session sharing a
// token, respecting the gateway's global 5 second IDENTIFY spacing.
type SessionController interface {
	AppendSession(node SessionConnectNode) error
	RemoveSession(node SessionConnectNode)
}

type connectNode struct {
	id        string
	session   *Session
	reconnect bool
}

func (s *Session) newConnectNode(reconnect bool) *connectNode {
	return &connectNode{id: uuid.NewString(), session: s, reconnect: reconnect}
}

func (n *connectNode) ID() string        { return n.id }
func (n *connectNode) IsReconnect() bool { return n.reconnect }
func (n *connectNode) Shard() *ShardInfo { return n.session.cfg.shard() }

func (n *connectNode) Run(isLast bool) error {
	s := n.session
	if s.isShutdown() {
		return nil
	}

	if n.reconnect {
		s.reconnect(true)
	} else {
		s.startSender()
		if err := s.connect(); err != nil {
			if errors.Is(err, ErrShutdown) {
				return nil
			}
			return err
		}
	}
	if isLast {
		return nil
	}

	err := s.status.AwaitFunc(s.ctx, func(v Status) bool {
		return v >= StatusAwaitingLoginConfirmation && v <= StatusConnected
	})
	if err != nil {
		s.closeWithCode(1000, "")
		s.log.Debug().Msg("Shutdown while trying to connect")
	}
	return nil
}

// NewSessionController returns the default in-process controller: a FIFO
// node queue drained by one worker, with identify spacing enforced by a
// rate limiter. Multi-process setups supply their own implementation.
func NewSessionController() SessionController {
	return newSessionControllerWithInterval(identifyBackoff)
}

func newSessionControllerWithInterval(interval time.Duration) *sessionControllerImpl {
	return &sessionControllerImpl{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

type sessionControllerImpl struct {
	mu      sync.Mutex
	queue   []SessionConnectNode
	running bool

	limiter *rate.Limiter
}

func (c *sessionControllerImpl) AppendSession(node SessionConnectNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, node)
	if !c.running {
		c.running = true
		go c.processQueue()
	}
	return nil
}

func (c *sessionControllerImpl) RemoveSession(node SessionConnectNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, queued := range c.queue {
		if queued.ID() == node.ID() {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *sessionControllerImpl) processQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		node := c.queue[0]
		c.queue = c.queue[1:]
		isLast := len(c.queue) == 0
		c.mu.Unlock()

		_ = c.limiter.Wait(context.Background())

		if err := node.Run(isLast); err != nil {
			// Connect failed before the handshake; give the node a
			// fresh slot at the back of the queue.
			_ = c.AppendSession(node)
		}
	}
}

// Command loadtest drives the broker with a ramp-and-sustain swarm of
// WebSocket subscribers plus a configurable share of publishers. It measures
// publish-to-ack latency, verifies per-chat sequence continuity on the
// ordered lane, and cross-checks the client's view of the connection count
// against /healthz.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/auth"
)

type options struct {
	server       string
	secret       string
	connections  int
	rampRate     int
	sustain      time.Duration
	report       time.Duration
	health       time.Duration
	timeout      time.Duration
	chats        int
	publishEvery int
	publishRate  time.Duration
	ordered      bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.server, "server", "http://localhost:8080", "broker base URL")
	flag.StringVar(&o.secret, "secret", "dev-secret", "JWT secret shared with the broker")
	flag.IntVar(&o.connections, "connections", 1000, "target connection count")
	flag.IntVar(&o.rampRate, "ramp-rate", 100, "connections opened per second")
	flag.DurationVar(&o.sustain, "sustain", 5*time.Minute, "how long to hold the load after ramp-up")
	flag.DurationVar(&o.report, "report-interval", 10*time.Second, "progress report interval")
	flag.DurationVar(&o.health, "health-interval", 5*time.Second, "/healthz poll interval")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "dial timeout")
	flag.IntVar(&o.chats, "chats", 10, "number of chats to spread subscribers across")
	flag.IntVar(&o.publishEvery, "publish-every", 10, "every Nth connection publishes (0 disables publishing)")
	flag.DurationVar(&o.publishRate, "publish-interval", time.Second, "delay between publishes per publisher")
	flag.BoolVar(&o.ordered, "ordered", true, "publish on the ordered lane and verify sequence continuity")
	flag.Parse()
	return o
}

// counters aggregates swarm-wide results; everything is touched from many
// goroutines so all fields stay atomic.
type counters struct {
	active    int64
	created   int64
	failed    int64
	received  int64
	published int64
	acked     int64
	rejected  int64
	gaps      int64
	ackSumUs  int64
	ackMaxUs  int64

	dialErrors sync.Map // error string -> *int64

	mu     sync.Mutex
	health *healthSnapshot
}

type healthSnapshot struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (c *counters) recordDialError(err error) {
	atomic.AddInt64(&c.failed, 1)
	v, _ := c.dialErrors.LoadOrStore(err.Error(), new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func (c *counters) recordAck(rtt time.Duration) {
	atomic.AddInt64(&c.acked, 1)
	us := rtt.Microseconds()
	atomic.AddInt64(&c.ackSumUs, us)
	for {
		cur := atomic.LoadInt64(&c.ackMaxUs)
		if us <= cur || atomic.CompareAndSwapInt64(&c.ackMaxUs, cur, us) {
			return
		}
	}
}

func main() {
	opts := parseFlags()
	ctr := &counters{}

	tokens := auth.NewManager(opts.secret, time.Hour)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println(strings.Repeat("=", 72))
	log.Printf("broker load test: %d connections at %d/s against %s", opts.connections, opts.rampRate, opts.server)
	log.Printf("chats=%d publish-every=%d ordered=%v sustain=%s", opts.chats, opts.publishEvery, opts.ordered, opts.sustain)
	log.Println(strings.Repeat("=", 72))

	if err := pollHealth(opts, ctr); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}
	if err := seedPermissions(opts, tokens); err != nil {
		log.Fatalf("permission seeding failed: %v", err)
	}

	go healthLoop(ctx, opts, ctr)
	go reportLoop(ctx, opts, ctr)

	start := time.Now()
	rampUp(ctx, opts, ctr, tokens)

	if ctx.Err() == nil {
		log.Printf("ramp-up complete: %d active, sustaining for %s", atomic.LoadInt64(&ctr.active), opts.sustain)
		select {
		case <-time.After(opts.sustain):
		case <-ctx.Done():
			log.Printf("sustain interrupted")
		}
	}

	report(opts, ctr, time.Since(start), "final")
}

// rampUp opens connections in 100ms batches until the target is reached or
// the context ends. Each connection runs its own pumps until shutdown.
func rampUp(ctx context.Context, opts *options, ctr *counters, tokens *auth.Manager) {
	batch := opts.rampRate / 10
	if batch < 1 {
		batch = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	id := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if int(atomic.LoadInt64(&ctr.created)) >= opts.connections {
				return
			}
			var wg sync.WaitGroup
			for i := 0; i < batch && atomic.LoadInt64(&ctr.created) < int64(opts.connections); i++ {
				atomic.AddInt64(&ctr.created, 1)
				c := &client{
					id:   id,
					opts: opts,
					ctr:  ctr,
					chat: fmt.Sprintf("load-chat-%d", id%opts.chats),
				}
				id++
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.start(ctx, tokens)
				}()
			}
			wg.Wait()
		}
	}
}

type client struct {
	id   int
	opts *options
	ctr  *counters
	chat string

	conn    *websocket.Conn
	writeMu sync.Mutex
	pending sync.Map // ackId -> send time
	lastSeq int64
}

func (c *client) start(ctx context.Context, tokens *auth.Manager) {
	token, err := tokens.Generate(fmt.Sprintf("load-user-%d", c.id), false)
	if err != nil {
		c.ctr.recordDialError(err)
		return
	}

	u := "ws" + strings.TrimPrefix(c.opts.server, "http") + "/ws?token=" + token + "&chatIds=" + c.chat
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.timeout}
	conn, resp, err := dialer.Dial(u, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (status %d)", err, resp.StatusCode)
		}
		c.ctr.recordDialError(err)
		return
	}
	c.conn = conn
	atomic.AddInt64(&c.ctr.active, 1)
	defer func() {
		conn.Close()
		atomic.AddInt64(&c.ctr.active, -1)
	}()

	// The broker pings on its own schedule; answer and push the deadline.
	const readTimeout = 90 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if c.opts.publishEvery > 0 && c.id%c.opts.publishEvery == 0 {
		go c.publishLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c.readLoop(conn, readTimeout)
}

func (c *client) readLoop(conn *websocket.Conn, readTimeout time.Duration) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame struct {
			Type           string `json:"type"`
			AckID          string `json:"ackId"`
			ChatID         string `json:"chatId"`
			SequenceNumber *int64 `json:"sequenceNumber"`
			Error          string `json:"error"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "message":
			atomic.AddInt64(&c.ctr.received, 1)
			if seq := frame.SequenceNumber; seq != nil && frame.ChatID == c.chat {
				// Sequences are per chat, so any subscriber of the
				// chat must see them strictly ascending.
				if c.lastSeq != 0 && *seq <= c.lastSeq {
					atomic.AddInt64(&c.ctr.gaps, 1)
				}
				if *seq > c.lastSeq {
					c.lastSeq = *seq
				}
			}
		case "ack":
			if v, ok := c.pending.LoadAndDelete(frame.AckID); ok {
				c.ctr.recordAck(time.Since(v.(time.Time)))
			}
		case "error":
			atomic.AddInt64(&c.ctr.rejected, 1)
		}
	}
}

func (c *client) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.publishRate)
	defer ticker.Stop()

	messageType := "standard"
	if c.opts.ordered {
		messageType = "fifo"
	}

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			ackID := uuid.NewString()
			frame := map[string]any{
				"action":        "sendMessage",
				"targetChannel": "chat",
				"messageType":   messageType,
				"requestAck":    true,
				"ackId":         ackID,
				"payload": map[string]any{
					"chatId":    c.chat,
					"eventType": "loadtest",
					"content":   map[string]int{"n": n},
				},
			}
			c.pending.Store(ackID, time.Now())

			c.writeMu.Lock()
			err := c.conn.WriteJSON(frame)
			c.writeMu.Unlock()
			if err != nil {
				c.pending.Delete(ackID)
				return
			}
			atomic.AddInt64(&c.ctr.published, 1)
		}
	}
}

// seedPermissions grants every swarm user its chat before the ramp starts,
// using a locally minted admin token. Re-granting is an upsert, so repeated
// runs against the same broker are harmless.
func seedPermissions(opts *options, tokens *auth.Manager) error {
	admin, err := tokens.Generate("loadtest-admin", true)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: opts.timeout}
	for i := 0; i < opts.connections; i++ {
		body := fmt.Sprintf(`{"userId":"load-user-%d","chatId":"load-chat-%d","role":"member"}`, i, i%opts.chats)
		req, err := http.NewRequest(http.MethodPost, opts.server+"/permissions", strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+admin)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("grant for load-user-%d returned %d", i, resp.StatusCode)
		}
	}
	log.Printf("seeded %d permission grants across %d chats", opts.connections, opts.chats)
	return nil
}

func pollHealth(opts *options, ctr *counters) error {
	resp, err := http.Get(opts.server + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var snap healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	ctr.mu.Lock()
	ctr.health = &snap
	ctr.mu.Unlock()
	return nil
}

func healthLoop(ctx context.Context, opts *options, ctr *counters) {
	ticker := time.NewTicker(opts.health)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollHealth(opts, ctr); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func reportLoop(ctx context.Context, opts *options, ctr *counters) {
	ticker := time.NewTicker(opts.report)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(opts, ctr, time.Since(start), "progress")
		}
	}
}

func report(opts *options, ctr *counters, elapsed time.Duration, phase string) {
	active := atomic.LoadInt64(&ctr.active)
	created := atomic.LoadInt64(&ctr.created)
	failed := atomic.LoadInt64(&ctr.failed)
	received := atomic.LoadInt64(&ctr.received)
	published := atomic.LoadInt64(&ctr.published)
	acked := atomic.LoadInt64(&ctr.acked)
	rejected := atomic.LoadInt64(&ctr.rejected)
	gaps := atomic.LoadInt64(&ctr.gaps)

	ctr.mu.Lock()
	health := ctr.health
	ctr.mu.Unlock()

	secs := elapsed.Seconds()
	if secs < 1 {
		secs = 1
	}

	log.Println(strings.Repeat("-", 72))
	log.Printf("[%s] elapsed=%s", phase, elapsed.Round(time.Second))
	serverView := "n/a"
	if health != nil {
		serverView = fmt.Sprintf("%d (%s)", health.Connections, health.Status)
	}
	log.Printf("connections: active=%d/%d created=%d failed=%d server=%s",
		active, opts.connections, created, failed, serverView)
	log.Printf("messages: received=%d (%.1f/s) published=%d acked=%d rejected=%d",
		received, float64(received)/secs, published, acked, rejected)
	if opts.ordered {
		log.Printf("ordering: sequence violations=%d", gaps)
	}
	if acked > 0 {
		avg := time.Duration(atomic.LoadInt64(&ctr.ackSumUs)/acked) * time.Microsecond
		max := time.Duration(atomic.LoadInt64(&ctr.ackMaxUs)) * time.Microsecond
		log.Printf("ack latency: avg=%s max=%s", avg.Round(time.Millisecond), max.Round(time.Millisecond))
	}

	hasErrors := false
	ctr.dialErrors.Range(func(key, value any) bool {
		if !hasErrors {
			log.Printf("dial errors:")
			hasErrors = true
		}
		log.Printf("  %s: %d", key, atomic.LoadInt64(value.(*int64)))
		return true
	})
	log.Println(strings.Repeat("-", 72))
}

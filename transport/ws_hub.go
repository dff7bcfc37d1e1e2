package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// Hub 通过 WebSocket 把一个 MemoryBroker 暴露给远端客户端。
// 每个连接可以发请求、订阅/取消订阅广播通道。
type Hub struct {
	broker   *MemoryBroker
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

func NewHub(broker *MemoryBroker, log *zap.SugaredLogger) *Hub {
	return &Hub{
		broker: broker,
		log:    orNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 客户端不是浏览器，不做来源限制
				return true
			},
		},
		peers: make(map[*peer]struct{}),
	}
}

// ServeHTTP 升级为 WebSocket 并启动读写协程
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade error: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		hub:    h,
		ws:     ws,
		addr:   r.RemoteAddr,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.log.Debugf("peer connected: %s", p.addr)

	go p.writePump()
	go p.readPump()
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

// peer 一个 WebSocket 连接。写操作只发生在 writePump 中
type peer struct {
	hub  *Hub
	ws   *websocket.Conn
	addr string
	send chan []byte

	mu   sync.Mutex
	subs map[string]Subscription

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// enqueue 写入发送队列，队列满时等待，只在连接关闭时放弃。
// 回复、错误与订阅确认都走这里，不能丢
func (p *peer) enqueue(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		p.hub.log.Errorf("encode frame: %v", err)
		return
	}
	select {
	case p.send <- b:
	case <-p.ctx.Done():
	}
}

// offer 非阻塞写入广播帧，队列满则丢弃
func (p *peer) offer(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		p.hub.log.Errorf("encode frame: %v", err)
		return
	}
	select {
	case p.send <- b:
	case <-p.ctx.Done():
	default:
		p.hub.log.Warnf("peer %s send queue full, dropped %s frame", p.addr, f.Op)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		for id, s := range p.subs {
			_ = s.Close()
			delete(p.subs, id)
		}
		p.mu.Unlock()
		_ = p.ws.Close()
		p.hub.remove(p)
		p.hub.log.Debugf("peer disconnected: %s", p.addr)
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.close()
	for {
		select {
		case <-p.ctx.Done():
			_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) readPump() {
	defer p.close()
	p.ws.SetReadLimit(1 << 20) // 1MB
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error { p.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, payload, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			p.hub.log.Warnf("peer %s sent malformed frame: %v", p.addr, err)
			continue
		}
		switch f.Op {
		case opRequest:
			go p.request(f)
		case opSubscribe:
			p.subscribe(f)
		case opUnsubscribe:
			p.unsubscribe(f)
		default:
			p.enqueue(frame{Op: opError, ID: f.ID, Error: "unknown op " + f.Op})
		}
	}
}

func (p *peer) request(f frame) {
	rsp, err := p.hub.broker.Request(p.ctx, f.Queue, f.Body)
	if err != nil {
		p.enqueue(frame{Op: opError, ID: f.ID, Error: err.Error()})
		return
	}
	p.enqueue(frame{Op: opReply, ID: f.ID, Body: rsp})
}

func (p *peer) subscribe(f frame) {
	sub, err := p.hub.broker.Subscribe(p.ctx, f.Exchange)
	if err != nil {
		p.enqueue(frame{Op: opError, ID: f.ID, Error: err.Error()})
		return
	}
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		_ = sub.Close()
		return
	}
	p.subs[f.ID] = sub
	p.mu.Unlock()

	// 先确认订阅，再转发消息，保证客户端先看到 subscribed
	p.enqueue(frame{Op: opSubscribed, ID: f.ID, Exchange: f.Exchange})
	go func() {
		for body := range sub.C() {
			p.offer(frame{Op: opDeliver, ID: f.ID, Exchange: f.Exchange, Body: body})
		}
		p.mu.Lock()
		delete(p.subs, f.ID)
		p.mu.Unlock()
		p.enqueue(frame{Op: opClosed, ID: f.ID, Exchange: f.Exchange})
	}()
}

func (p *peer) unsubscribe(f frame) {
	p.mu.Lock()
	sub, ok := p.subs[f.ID]
	delete(p.subs, f.ID)
	p.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

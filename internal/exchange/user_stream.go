package exchange

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ListenKeySource 管理用户数据流的 listenKey
type ListenKeySource interface {
	StartListenKey(ctx context.Context) (string, error)
	KeepaliveListenKey(ctx context.Context, listenKey string) error
}

// UserStreamConfig 用户数据流参数
type UserStreamConfig struct {
	WSBaseURL         string
	PingInterval      time.Duration
	PongWait          time.Duration
	KeepaliveInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// UserStream 订阅币安用户数据流, 将订单成交/撤销推送为 order.executed 事件
type UserStream struct {
	keys   ListenKeySource
	pub    Publisher
	cfg    UserStreamConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewUserStream 创建用户数据流
func NewUserStream(keys ListenKeySource, pub Publisher, cfg UserStreamConfig, logger *zap.Logger) *UserStream {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = (cfg.PongWait * 9) / 10 // Must be less than pongWait
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Minute
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &UserStream{
		keys:   keys,
		pub:    pub,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.Named("user_stream"),
	}
}

// Run 维持连接直到 ctx 结束, 断线后按指数退避重连
func (s *UserStream) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: s.cfg.ReconnectMin, Max: s.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// 连接维持得足够久, 视为恢复正常, 重新从最短间隔开始退避
		if time.Since(started) > s.cfg.ReconnectMax {
			b.Reset()
		}
		delay := b.Duration()
		s.logger.Warn("user stream disconnected, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session 处理一次连接的完整生命周期
func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.keys.StartListenKey(ctx)
	if err != nil {
		return err
	}
	url := strings.TrimRight(s.cfg.WSBaseURL, "/") + "/ws/" + listenKey
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrap(err, "连接用户数据流失败")
	}
	defer conn.Close()
	s.logger.Info("user stream connected")

	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeat(sessionCtx, conn, listenKey)

	// ctx 结束时关闭连接, 让阻塞的 ReadMessage 返回
	go func() {
		<-sessionCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "读取消息失败")
		}
		s.handleMessage(message)
	}
}

// heartbeat 定期发送 ping, 并续期 listenKey
func (s *UserStream) heartbeat(ctx context.Context, conn *websocket.Conn, listenKey string) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Warn("ping failed", zap.Error(err))
				return
			}
		case <-keepalive.C:
			if err := s.keys.KeepaliveListenKey(ctx, listenKey); err != nil {
				s.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// orderTradeUpdate ORDER_TRADE_UPDATE 推送中用到的字段.
// encoding/json 对字段名大小写不敏感, 大小写成对出现的键 (E/e, x/X, l/L, ap/AP)
// 都要显式声明, 否则会互相覆盖.
type orderTradeUpdate struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	TransactionTime int64  `json:"T"`
	Order           struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		ExecutionType   string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		AvgPrice        string `json:"ap"`
		ActivationPrice string `json:"AP"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
	} `json:"o"`
}

// handleMessage 解析推送; 只转发终态 (FILLED / CANCELED 等)
func (s *UserStream) handleMessage(message []byte) {
	var ev orderTradeUpdate
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Warn("解析用户数据流消息失败", zap.Error(err))
		return
	}
	if ev.Event != "ORDER_TRADE_UPDATE" {
		return
	}

	status := mapOrderStatus(ev.Order.Status)
	if status != models.OrderFilled && status != models.OrderCanceled {
		return
	}
	exec := models.OrderExecution{
		OrderID:  strconv.FormatInt(ev.Order.OrderID, 10),
		Status:   status,
		FillTime: ev.TransactionTime,
	}
	if status == models.OrderFilled {
		exec.FillPrice = parseFloat(ev.Order.AvgPrice)
		if exec.FillPrice == 0 {
			exec.FillPrice = parseFloat(ev.Order.LastPrice)
		}
	}
	s.pub.Emit(eventbus.TopicOrderExecuted, exec)
}

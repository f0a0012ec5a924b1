package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"ChatCore/logger"
	"ChatCore/middleware/security"
	"ChatCore/service/metrics"
	"ChatCore/tools/decode"
	"ChatCore/tools/errs"
	"ChatCore/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Lifecycle 连接建立/断开时的在线状态处理（presence.Tracker 实现）
type Lifecycle interface {
	Connect(ctx context.Context, s *Session) error
	Disconnect(ctx context.Context, s *Session)
}

type ServerConf struct {
	PingInterval   time.Duration
	WriteWait      time.Duration
	FirstPingDelay time.Duration
	ReadLimit      int64
	HandleTimeout  time.Duration // 单帧处理上限
}

func (c *ServerConf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.FirstPingDelay <= 0 || c.FirstPingDelay > c.PingInterval {
		c.FirstPingDelay = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 10 * time.Second
	}
}

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

type Server struct {
	reg  *Registry
	disp *Dispatcher
	life Lifecycle
	conf ServerConf
	log  *zap.Logger
}

func NewServer(reg *Registry, disp *Dispatcher, life Lifecycle, conf ServerConf) *Server {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(disp, "dispatcher")
	safe.MustNotNil(life, "lifecycle")
	conf.norm()
	return &Server{reg: reg, disp: disp, life: life, conf: conf, log: logger.Named("ws")}
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// HandleWS GET /ws；鉴权已由 security.Middleware 完成
func (s *Server) HandleWS(c *gin.Context) {
	uid := c.GetInt64(security.CtxUserID)
	if uid == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthentication)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket failed", zap.Int64("uid", uid), zap.Error(err))
		return
	}

	sess := s.reg.NewSession(uid)
	sess.Remote = c.ClientIP()

	pumpDone := make(chan struct{})
	go s.writePump(ws, sess, pumpDone)

	ctx, cancel := context.WithTimeout(context.Background(), s.conf.HandleTimeout)
	err = s.life.Connect(ctx, sess)
	cancel()
	if err != nil {
		s.log.Warn("connect failed", zap.Int64("uid", uid), zap.Error(err))
		sess.Close()
		<-pumpDone
		return
	}
	s.log.Info("session open", zap.Int64("uid", uid), zap.String("snowID", sess.ID), zap.String("remote", sess.Remote))

	s.readLoop(ws, sess)

	// ---- 退出阶段：下线、等待写协程收尾 ----
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.life.Disconnect(ctx, sess)
		cancel()
	}
	sess.Close()
	<-pumpDone
	s.log.Info("session closed", zap.Int64("uid", uid), zap.String("snowID", sess.ID))
}

// readLoop 只读不写；handler 在本协程内串行执行
func (s *Server) readLoop(ws *websocket.Conn, sess *Session) {
	readWait := s.conf.PingInterval*2 + s.conf.WriteWait
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		s.reg.Touch(sess.ID)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Info("peer closed", zap.String("snowID", sess.ID))
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.String("snowID", sess.ID))
			} else if !sess.Closed() {
				s.log.Info("read err", zap.String("snowID", sess.ID), zap.Error(rerr))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		s.reg.Touch(sess.ID)

		f, perr := ParseFrame(data)
		if perr != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.log.Info("bad frame", zap.String("snowID", sess.ID), zap.ByteString("sample", sample), zap.Int("len", len(data)), zap.Error(perr))
			s.reply(sess, "frame", "", errs.ErrArgs.WithDetail("malformed frame"))
			continue
		}
		s.handle(sess, f)
	}
}

func (s *Server) handle(sess *Session, f *InFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.HandleTimeout)
	defer cancel()

	err := safe.Call(func() error { return s.disp.Dispatch(ctx, sess, f) })
	if err == nil {
		metrics.InboundEvents.WithLabelValues(f.Type, "ok").Inc()
		return
	}
	metrics.InboundEvents.WithLabelValues(f.Type, "error").Inc()
	s.log.Info("handle frame failed", zap.String("type", f.Type), zap.Int64("uid", sess.UserID), zap.Error(err))
	s.reply(sess, f.Type, decode.ReadString(f.Data, "clientId"), err)
}

// reply 把错误回给发起会话
func (s *Server) reply(sess *Session, where, clientID string, err error) {
	ce, _ := errs.AsCode(err)
	msg := ce.Msg
	if ce.Detail != "" {
		msg = ce.Msg + ": " + ce.Detail
	}
	s.reg.SendToSession(sess.ID, EvError, ErrorEvent{Context: where, ClientID: clientID, Code: ce.Code, Message: msg})
}

// writePump 唯一写 socket 的协程：业务帧、首个 ping、常规 ping
func (s *Server) writePump(ws *websocket.Conn, sess *Session, done chan struct{}) {
	ticker := time.NewTicker(s.conf.PingInterval)
	first := time.NewTimer(s.conf.FirstPingDelay)
	defer func() {
		ticker.Stop()
		first.Stop()
		_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
		close(done)
	}()

	ping := func() bool {
		if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.conf.WriteWait)); err != nil {
			s.log.Info("ping err", zap.String("snowID", sess.ID), zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case payload := <-sess.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Info("write err", zap.String("snowID", sess.ID), zap.Error(err))
				sess.Close()
				return
			}
		case <-first.C:
			if !ping() {
				sess.Close()
				return
			}
		case <-ticker.C:
			if !ping() {
				sess.Close()
				return
			}
		case <-sess.Done():
			s.drain(ws, sess)
			return
		}
	}
}

// drain 会话关闭前尽量写完已入队的帧
func (s *Server) drain(ws *websocket.Conn, sess *Session) {
	for {
		select {
		case payload := <-sess.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"production-pulse-api/pkg/models"
	"production-pulse-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout 1回の書き込みの期限
	writeTimeout = 10 * time.Second

	// pongWait この時間pongがなければ切断とみなす
	pongWait = 60 * time.Second

	// pingPeriod pongWait より短くする
	pingPeriod = (pongWait * 9) / 10

	sendBufSize = 16
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORSはリバースプロキシ側で制御する
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage クライアントへ送るJSONメッセージ
type StreamMessage struct {
	Event       models.UpdateKind `json:"event"`
	Data        interface{}       `json:"data"`
	PublishedAt time.Time         `json:"published_at"`
}

// StreamHandler ダッシュボード向けにWebSocketで更新を配信する
type StreamHandler struct {
	engine *services.Engine
}

// NewStreamHandler 新しい配信ハンドラーを作成
func NewStreamHandler(engine *services.Engine) *StreamHandler {
	return &StreamHandler{engine: engine}
}

// streamClient 1接続。書き込みは writePump だけが行う。
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Stream WebSocketにアップグレードし、切断されるまで更新を送る
func (h *StreamHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}

	// 接続直後に現在の集計を送る
	summary := h.engine.Summary()
	if data, err := encodeUpdate(models.Update{Kind: models.UpdateSummary, Summary: &summary, PublishedAt: time.Now()}); err == nil {
		client.send <- data
	}

	id, err := h.engine.Subscribe(client.deliver)
	if err != nil {
		log.Printf("❌ [配信] 購読の登録に失敗しました: %v", err)
		conn.Close()
		return
	}
	defer func() {
		h.engine.Unsubscribe(id)
		close(client.done)
	}()

	go client.writePump()
	client.readPump()
}

// deliver Broadcaster から呼ばれる。送信バッファが満杯ならエラーを返す。
func (c *streamClient) deliver(update models.Update) error {
	data, err := encodeUpdate(update)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return nil
	default:
		return errSendBufferFull
	}
}

func encodeUpdate(update models.Update) ([]byte, error) {
	msg := StreamMessage{Event: update.Kind, PublishedAt: update.PublishedAt}
	switch update.Kind {
	case models.UpdateSummary:
		msg.Data = update.Summary
	case models.UpdateForecast:
		msg.Data = update.Forecasts
	}
	return json.Marshal(msg)
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pong・closeを処理し、切断を検出する
func (c *streamClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

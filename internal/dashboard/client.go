package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// client is a single connected chart page.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame with newline
			// separators; the page splits on '\n'.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[dashboard] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var action struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &action) != nil {
			continue
		}

		switch action.Type {
		case "visible":
			if c.hub.events.OnVisible != nil {
				log.Printf("[dashboard] page visible, kicking scheduler")
				c.hub.events.OnVisible()
			}
		case "retry":
			if c.hub.events.OnRetry != nil {
				log.Printf("[dashboard] manual retry requested")
				c.hub.events.OnRetry()
			}
		case "stop":
			if c.hub.events.OnStop != nil {
				log.Printf("[dashboard] stop requested")
				c.hub.events.OnStop()
			}
		case "start":
			if c.hub.events.OnStart != nil {
				log.Printf("[dashboard] start requested")
				c.hub.events.OnStart()
			}
		}
	}
}

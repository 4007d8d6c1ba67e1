// Package main implements a mock OpenCode server for local bridge
// development. It speaks the subset of the OpenCode REST and SSE surface the
// bridge uses, and answers every prompt with a scripted assistant turn: a step
// start, streamed text deltas, one tool call, a step finish, then idle.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openinspect/sandbox/pkg/opencode"
)

func main() {
	port := flag.Int("port", opencode.DefaultPort, "port to listen on")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	srv := newServer()

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock opencode listening on %s", addr)
	if err := srv.router().Run(addr); err != nil {
		log.Fatal(err)
	}
}

type server struct {
	mu       sync.Mutex
	sessions map[string]*session
	subs     map[chan []byte]struct{}
}

type session struct {
	id       string
	messages []opencode.Message
	working  bool
}

func newServer() *server {
	return &server{
		sessions: make(map[string]*session),
		subs:     make(map[chan []byte]struct{}),
	}
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/global/health", s.health)
	r.POST("/session", s.createSession)
	r.GET("/session/:id", s.getSession)
	r.POST("/session/:id/prompt_async", s.promptAsync)
	r.POST("/session/:id/stop", s.stopSession)
	r.GET("/session/:id/message", s.listMessages)
	r.GET("/event", s.events)

	return r
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true, "version": "mock"})
}

func (s *server) createSession(c *gin.Context) {
	id := opencode.Ascending(opencode.IDKindSession)

	s.mu.Lock()
	s.sessions[id] = &session{id: id}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *server) getSession(c *gin.Context) {
	s.mu.Lock()
	_, ok := s.sessions[c.Param("id")]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (s *server) promptAsync(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.sessions[c.Param("id")]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var req opencode.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	go s.playScriptedTurn(sess, req)
	c.Status(http.StatusNoContent)
}

func (s *server) stopSession(c *gin.Context) {
	s.mu.Lock()
	if sess, ok := s.sessions[c.Param("id")]; ok {
		sess.working = false
	}
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

func (s *server) listMessages(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.sessions[c.Param("id")]
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if sess.messages == nil {
		c.JSON(http.StatusOK, []opencode.Message{})
		return
	}
	c.JSON(http.StatusOK, sess.messages)
}

// events is the SSE stream. Each subscriber gets server.connected on attach,
// then every event published by scripted turns.
func (s *server) events(c *gin.Context) {
	sub := make(chan []byte, 256)
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	s.publish("server.connected", gin.H{})

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case data := <-sub:
			fmt.Fprintf(w, "data: %s\n\n", data)
			return true
		case <-heartbeat.C:
			raw, _ := json.Marshal(gin.H{"type": "server.heartbeat"})
			fmt.Fprintf(w, "data: %s\n\n", raw)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *server) publish(eventType string, properties any) {
	raw, err := json.Marshal(gin.H{"type": eventType, "properties": properties})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub <- raw:
		default:
		}
	}
}

// playScriptedTurn emits the canned assistant response for one prompt.
func (s *server) playScriptedTurn(sess *session, req opencode.PromptRequest) {
	s.mu.Lock()
	sess.working = true
	s.mu.Unlock()

	msgID := opencode.Ascending(opencode.IDKindMessage)
	info := opencode.MessageInfo{
		ID:        msgID,
		SessionID: sess.id,
		Role:      "assistant",
		ParentID:  req.MessageID,
	}
	s.publish(opencode.EventMessageUpdated, gin.H{"info": info})

	part := func(partType string, extra gin.H) gin.H {
		p := gin.H{
			"id":        opencode.Ascending(opencode.IDKindPart),
			"type":      partType,
			"messageID": msgID,
			"sessionID": sess.id,
		}
		for k, v := range extra {
			p[k] = v
		}
		return p
	}

	s.publish(opencode.EventMessagePartUpdated, gin.H{
		"part": part(opencode.PartTypeStepStart, gin.H{}),
	})

	fullText := ""
	textPartID := opencode.Ascending(opencode.IDKindPart)
	for _, delta := range []string{"Looking at the code", "... ", "done."} {
		fullText += delta
		s.publish(opencode.EventMessagePartUpdated, gin.H{
			"part": gin.H{
				"id":        textPartID,
				"type":      opencode.PartTypeText,
				"messageID": msgID,
				"sessionID": sess.id,
				"text":      fullText,
			},
			"delta": delta,
		})
		time.Sleep(50 * time.Millisecond)
	}

	callID := opencode.Ascending(opencode.IDKindPart)
	for _, status := range []string{opencode.ToolStatusRunning, opencode.ToolStatusCompleted} {
		s.publish(opencode.EventMessagePartUpdated, gin.H{
			"part": part(opencode.PartTypeTool, gin.H{
				"callID": callID,
				"tool":   "read",
				"state": gin.H{
					"status": status,
					"input":  gin.H{"filePath": "README.md"},
					"title":  "Read README.md",
				},
			}),
		})
		time.Sleep(50 * time.Millisecond)
	}

	s.publish(opencode.EventMessagePartUpdated, gin.H{
		"part": part(opencode.PartTypeStepFinish, gin.H{
			"cost":   0.01,
			"tokens": gin.H{"input": 120, "output": 40},
		}),
	})

	s.mu.Lock()
	sess.messages = append(sess.messages, opencode.Message{
		Info: info,
		Parts: []opencode.Part{{
			ID:        textPartID,
			Type:      opencode.PartTypeText,
			MessageID: msgID,
			SessionID: sess.id,
			Text:      fullText,
		}},
	})
	sess.working = false
	s.mu.Unlock()

	s.publish(opencode.EventSessionIdle, gin.H{"sessionID": sess.id})
}

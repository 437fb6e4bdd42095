package ws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"algoarena/backend/internal/collab"

	"github.com/gorilla/websocket"
)

const presenceTTL = 600 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	roomID   string
	userID   uint64
	username string
	// chan是 Go 的“通道”（channel），是 goroutine 之间通信的队列。
	// send 是一个只能存放 OutboundMessage 的队列。
	send chan OutboundMessage
	// 房间生命周期 / 会话引擎
	rooms    *collab.Rooms
	registry *collab.Registry
	// 信号量控制
	sem *collab.SemaphoreControl
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现（继承） OutboundMessage 接口
func (m ServerMessage) MessageType() string       { return m.Type }
func (m RoomSnapshotMessage) MessageType() string { return m.Type }
func (m OpBroadcastMessage) MessageType() string  { return m.Type }
func (m OpAppliedMessage) MessageType() string    { return m.Type }
func (m ChatMessage) MessageType() string         { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, rooms *collab.Rooms, registry *collab.Registry, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan OutboundMessage, 32), rooms: rooms, registry: registry, sem: sem}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	// select 同时评估所有 case 的通道操作，多个就绪时随机选一个执行
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

func (c *Conn) handleJoinRoom(ctx context.Context, roomID string) {
	if roomID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_ROOM_ID"})
		return
	}
	if c.roomID != "" && c.roomID != roomID {
		// 先离开旧房间
		c.leaveRoom(ctx)
	}

	// 先挂进 hub 再取快照：快照与注册之间整合的操作会以 op_broadcast
	// 补到本连接；若同一元素已含在快照里，按ID幂等丢弃即可。
	// 反过来先取快照，窗口期的操作既不在快照也收不到广播，就真丢了。
	c.hub.Join(roomID, c)
	snap, err := c.rooms.Open(ctx, roomID)
	if err != nil {
		c.hub.Leave(roomID, c)
		log.Printf("open room error (user=%d, room=%s): %v", c.userID, roomID, err)
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "JOIN_ROOM_FAILED"})
		return
	}
	c.roomID = roomID
	members := c.registry.Join(roomID, c.userID, c.username, snap.Language)
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, roomID, c.userID, c.username, presenceTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
	}

	// 先发全量快照，再广播名单：新成员永远先拿到缓冲区再看到自己上线
	c.SendMessage_Enqueue(RoomSnapshotMessage{
		Type:     "room_snapshot",
		RoomID:   roomID,
		Revision: snap.Revision,
		Language: snap.Language,
		Content:  snap.Text,
		Spans:    snap.Spans,
	})
	c.hub.BroadcastPresence(roomID, toWireMembers(members))
}

func (c *Conn) leaveRoom(ctx context.Context) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""
	c.hub.Leave(roomID, c)
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, roomID, c.userID); err != nil {
			log.Printf("remove member error: %v", err)
		}
	}
	members, empty := c.registry.Leave(roomID, c.userID)
	if empty {
		// 最后一人离开：排空会话（含最终落盘）
		c.rooms.Close(roomID)
		return
	}
	c.hub.BroadcastPresence(roomID, toWireMembers(members))
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	opSubmitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opSubmitCtx); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	applied, err := c.rooms.Submit(opSubmitCtx, c.roomID, any(c), c.userID, msg.ClientId, msg.ClientSeq, msg.Ops)
	if err != nil {
		if err == collab.ErrDuplicateOrOutOfOrder {
			// 重放的提交不报错，按已应用 ack（幂等）
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	c.SendMessage_Enqueue(OpAppliedMessage{Type: "op_applied", RoomID: c.roomID, CurrentRevision: applied.Revision, ClientId: msg.ClientId, ClientSeq: msg.ClientSeq})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leaveRoom(ctx)
		close(c.send)
	}()
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, room=%s): %v", c.userID, c.roomID, err)
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			if c.roomID != "" && c.hub.presence != nil {
				if err := c.hub.presence.AddMember(ctx, c.roomID, c.userID, c.username, presenceTTL); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "join-room":
			c.handleJoinRoom(ctx, clientMessage.RoomID)

		case "leave-room":
			c.leaveRoom(ctx)
			c.SendMessage_Enqueue(ServerMessage{Type: "leave-room", Content: "Left by user " + strconv.FormatUint(c.userID, 10)})

		case "op_submit":
			if c.roomID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "NOT_IN_ROOM"})
				continue
			}
			c.handleOpSubmit(ctx, clientMessage)

		case "set-language":
			if c.roomID == "" || clientMessage.Language == "" {
				continue
			}
			if err := c.rooms.SetLanguage(ctx, c.roomID, clientMessage.Language); err != nil {
				log.Printf("set language error (room=%s): %v", c.roomID, err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "SET_LANGUAGE_FAILED"})
				continue
			}
			c.registry.SetLanguage(c.roomID, clientMessage.Language)
			c.hub.BroadcastLanguage(c.roomID, c.userID, clientMessage.Language)

		case "send-message":
			if c.roomID == "" || clientMessage.Message == "" {
				continue
			}
			c.hub.BroadcastChat(c.roomID, ChatMessage{
				Type:     "chat",
				RoomID:   c.roomID,
				UserID:   c.userID,
				Username: c.username,
				Message:  clientMessage.Message,
				SentAt:   time.Now(),
			})

		case "cursor":
			if c.roomID == "" {
				continue
			}
			if c.hub.presence != nil {
				if raw, err := json.Marshal(clientMessage.Cursor); err == nil {
					_ = c.hub.presence.SetCursor(ctx, c.roomID, c.userID, raw, presenceTTL)
				}
			}
			c.hub.BroadcastCursor(c.roomID, c, c.userID, clientMessage.Cursor)

		case "show_alive_members":
			if c.roomID == "" {
				continue
			}
			members := toWireMembers(c.registry.Members(c.roomID))
			c.SendMessage_Enqueue(ServerMessage{Type: "show_alive_members", RoomID: c.roomID, Members: members})

		default:
			// 忽略未知类型，或回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

func toWireMembers(members []collab.Member) []PresenceMember {
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	return out
}

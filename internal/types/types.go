package types

import (
	"time"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

type User struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (u User) IsTeacher() bool {
	return u.Role == RoleTeacher
}

type ActivityStatus string

const (
	StatusWatching   ActivityStatus = "watching"
	StatusSubmitting ActivityStatus = "submitting"
	StatusIdle       ActivityStatus = "idle"
)

// ActivityBroadcast is one student's momentary state as published on the
// activity channel.
type ActivityBroadcast struct {
	UserId    string         `json:"userId" validate:"required"`
	Name      string         `json:"name"`
	Status    ActivityStatus `json:"status" validate:"required,oneof=watching submitting idle"`
	Timestamp int64          `json:"timestamp" validate:"gt=0"`
}

// LiveStudent is the aggregator's view of one known student. A zero
// LastActive means the student has never been seen.
type LiveStudent struct {
	Id         string         `json:"id"`
	Name       string         `json:"name"`
	Status     ActivityStatus `json:"status"`
	LastActive int64          `json:"lastActive"`
}

type ActivitySummary struct {
	Watching   int `json:"watching"`
	Submitting int `json:"submitting"`
	Idle       int `json:"idle"`
}

type QuizAction string

const (
	QuizStart QuizAction = "start"
	QuizEnd   QuizAction = "end"
)

type QuizQuestion struct {
	Id       string   `json:"id" validate:"required"`
	Question string   `json:"question" validate:"required"`
	Options  []string `json:"options" validate:"min=2,max=4,dive,required"`
}

type QuizBroadcast struct {
	Action    QuizAction    `json:"action" validate:"required,oneof=start end"`
	Question  *QuizQuestion `json:"question,omitempty" validate:"required_if=Action start"`
	Duration  int           `json:"duration,omitempty" validate:"gte=0"`
	Timestamp int64         `json:"timestamp" validate:"gt=0"`
}

type QuizResponse struct {
	QuizId    string `json:"quizId" validate:"required"`
	UserId    string `json:"userId" validate:"required"`
	UserName  string `json:"userName"`
	Answer    string `json:"answer" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

type Participant struct {
	Id        string    `json:"id" bson:"id"`
	Name      string    `json:"name" bson:"name"`
	IsTeacher bool      `json:"isTeacher" bson:"isTeacher"`
	JoinedAt  time.Time `json:"joinedAt" bson:"joinedAt"`
}

type Room struct {
	Id           string        `json:"id"`
	Name         string        `json:"name"`
	Course       string        `json:"course"`
	Host         Participant   `json:"host"`
	Participants []Participant `json:"participants"`
	Active       bool          `json:"active"`
	SeqId        int           `json:"seq_id"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// HasParticipant reports whether a participant with the given id is in the room.
func (r Room) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p.Id == id {
			return true
		}
	}
	return false
}

type Message struct {
	SeqId      int       `json:"seq_id"`
	RoomId     string    `json:"room_id"`
	SenderId   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	IsTeacher  bool      `json:"isTeacher"`
	IsSystem   bool      `json:"isSystem"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToMillis converts t to epoch milliseconds, the timestamp unit used on every
// broadcast envelope.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func NowMillis() int64 {
	return ToMillis(time.Now())
}

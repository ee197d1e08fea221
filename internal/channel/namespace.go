package channel

import "strings"

// Namespace prefixes every channel key so that features, and deployments
// sharing one medium, never collide.
type Namespace string

const DefaultNamespace Namespace = "classroom"

const (
	activitySuffix      = ":activity"
	quizSuffix          = ":quiz"
	quizResponseSegment = ":quiz-response:"
)

func (ns Namespace) String() string {
	if ns == "" {
		return string(DefaultNamespace)
	}
	return string(ns)
}

func (ns Namespace) ActivityKey() string {
	return ns.String() + activitySuffix
}

// QuizKey carries both start and end envelopes.
func (ns Namespace) QuizKey() string {
	return ns.String() + quizSuffix
}

func (ns Namespace) QuizResponsePrefix() string {
	return ns.String() + quizResponseSegment
}

// ResponseKey returns a key unique to one submission. nonce must be fresh for
// every call so concurrent submissions never share a key.
func (ns Namespace) ResponseKey(userId, nonce string) string {
	return ns.QuizResponsePrefix() + userId + ":" + nonce
}

// ChangesChannel names the broker channel that carries change frames for
// transports backed by a message broker.
func (ns Namespace) ChangesChannel() string {
	return ns.String() + ":changes"
}

// Topic selects the keys a subscription receives.
type Topic struct {
	Key    string
	Prefix bool
}

func Exact(key string) Topic {
	return Topic{Key: key}
}

func Prefix(prefix string) Topic {
	return Topic{Key: prefix, Prefix: true}
}

func (t Topic) Matches(key string) bool {
	if t.Prefix {
		return strings.HasPrefix(key, t.Key)
	}
	return key == t.Key
}

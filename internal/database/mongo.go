package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/npezzotti/go-classroom/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	roomsCollection    = "study_rooms"
	messagesCollection = "room_messages"
)

type roomDoc struct {
	ObjectId     primitive.ObjectID  `bson:"_id,omitempty"`
	RoomId       string              `bson:"room_id"`
	Name         string              `bson:"name"`
	Course       string              `bson:"course"`
	Host         types.Participant   `bson:"host"`
	Participants []types.Participant `bson:"participants"`
	Active       bool                `bson:"active"`
	SeqId        int                 `bson:"seq_id"`
	CreatedAt    time.Time           `bson:"created_at"`
	UpdatedAt    time.Time           `bson:"updated_at"`
}

func (d roomDoc) room() types.Room {
	participants := d.Participants
	if participants == nil {
		participants = []types.Participant{}
	}
	return types.Room{
		Id:           d.RoomId,
		Name:         d.Name,
		Course:       d.Course,
		Host:         d.Host,
		Participants: participants,
		Active:       d.Active,
		SeqId:        d.SeqId,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

type messageDoc struct {
	ObjectId   primitive.ObjectID `bson:"_id,omitempty"`
	RoomId     string             `bson:"room_id"`
	SeqId      int                `bson:"seq_id"`
	SenderId   string             `bson:"sender_id"`
	SenderName string             `bson:"sender_name"`
	Text       string             `bson:"text"`
	IsTeacher  bool               `bson:"is_teacher"`
	IsSystem   bool               `bson:"is_system"`
	CreatedAt  time.Time          `bson:"created_at"`
}

func (d messageDoc) message() types.Message {
	return types.Message{
		SeqId:      d.SeqId,
		RoomId:     d.RoomId,
		SenderId:   d.SenderId,
		SenderName: d.SenderName,
		Text:       d.Text,
		IsTeacher:  d.IsTeacher,
		IsSystem:   d.IsSystem,
		Timestamp:  d.CreatedAt,
	}
}

// MongoRoomStore keeps each room as one document and its messages in a
// separate collection. Subscriptions use change streams, which require a
// replica set.
type MongoRoomStore struct {
	client   *mongo.Client
	rooms    *mongo.Collection
	messages *mongo.Collection
	log      *log.Logger
}

var _ RoomStore = (*MongoRoomStore)(nil)

func NewMongoRoomStore(ctx context.Context, uri, dbName string, logger *log.Logger) (*MongoRoomStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := newMongoRoomStore(client, client.Database(dbName), logger)
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func newMongoRoomStore(client *mongo.Client, db *mongo.Database, logger *log.Logger) *MongoRoomStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MongoRoomStore{
		client:   client,
		rooms:    db.Collection(roomsCollection),
		messages: db.Collection(messagesCollection),
		log:      logger,
	}
}

func (s *MongoRoomStore) ensureIndexes(ctx context.Context) error {
	_, err := s.rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "active", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create room indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "seq_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *MongoRoomStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoRoomStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoRoomStore) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	ts := now()
	doc := roomDoc{
		RoomId:       params.Id,
		Name:         params.Name,
		Course:       params.Course,
		Host:         params.Host,
		Participants: []types.Participant{},
		Active:       true,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	if _, err := s.rooms.InsertOne(ctx, doc); err != nil {
		return types.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return doc.room(), nil
}

func (s *MongoRoomStore) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	var doc roomDoc
	err := s.rooms.FindOne(ctx, bson.M{"room_id": roomId}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.Room{}, ErrRoomNotFound
		}
		return types.Room{}, fmt.Errorf("find room: %w", err)
	}
	return doc.room(), nil
}

func (s *MongoRoomStore) ListActiveRooms(ctx context.Context) ([]types.Room, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "room_id", Value: 1}})
	cur, err := s.rooms.Find(ctx, bson.M{"active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("find rooms: %w", err)
	}

	var docs []roomDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	rooms := make([]types.Room, 0, len(docs))
	for _, d := range docs {
		rooms = append(rooms, d.room())
	}
	return rooms, nil
}

// AddParticipant pushes p only when no participant with its id is present;
// the filter and the push are applied atomically on the document.
func (s *MongoRoomStore) AddParticipant(ctx context.Context, roomId string, p types.Participant) (bool, error) {
	res, err := s.rooms.UpdateOne(ctx,
		bson.M{"room_id": roomId, "active": true, "participants.id": bson.M{"$ne": p.Id}},
		bson.M{
			"$push": bson.M{"participants": p},
			"$set":  bson.M{"updated_at": now()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.roomOpen(ctx, roomId)
	}
	return true, nil
}

// roomOpen returns ErrRoomNotFound or ErrRoomClosed unless the room exists
// and is active.
func (s *MongoRoomStore) roomOpen(ctx context.Context, roomId string) error {
	var doc roomDoc
	err := s.rooms.FindOne(ctx, bson.M{"room_id": roomId},
		options.FindOne().SetProjection(bson.M{"active": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("find room: %w", err)
	}
	if !doc.Active {
		return ErrRoomClosed
	}
	return nil
}

func (s *MongoRoomStore) RemoveParticipant(ctx context.Context, roomId, participantId string) (bool, error) {
	res, err := s.rooms.UpdateOne(ctx,
		bson.M{"room_id": roomId, "participants.id": participantId},
		bson.M{
			"$pull": bson.M{"participants": bson.M{"id": participantId}},
			"$set":  bson.M{"updated_at": now()},
		},
	)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, s.roomExists(ctx, roomId)
	}
	return true, nil
}

func (s *MongoRoomStore) roomExists(ctx context.Context, roomId string) error {
	n, err := s.rooms.CountDocuments(ctx, bson.M{"room_id": roomId}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("count rooms: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ReconcileHost runs as a single pipeline update so a concurrent join or
// leave is either fully before or fully after it.
func (s *MongoRoomStore) ReconcileHost(ctx context.Context, roomId string) (types.Room, error) {
	hasParticipants := bson.M{"$gt": bson.A{bson.M{"$size": "$participants"}, 0}}
	earliest := bson.M{"$first": bson.M{"$sortArray": bson.M{
		"input":  "$participants",
		"sortBy": bson.D{{Key: "joinedAt", Value: 1}, {Key: "id", Value: 1}},
	}}}

	filter := bson.M{
		"room_id": roomId,
		"active":  true,
		"$expr":   bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$host.id", "$participants.id"}}}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"host":       bson.M{"$cond": bson.A{hasParticipants, earliest, "$host"}},
			"active":     hasParticipants,
			"updated_at": now(),
		}}},
	}

	if _, err := s.rooms.UpdateOne(ctx, filter, update); err != nil {
		return types.Room{}, fmt.Errorf("reconcile host: %w", err)
	}
	return s.GetRoom(ctx, roomId)
}

// AppendMessage takes the next sequence id and inserts the message in one
// transaction. Concurrent appends to a room conflict on the room document and
// are retried, so messages commit, and reach change streams, in sequence
// order.
func (s *MongoRoomStore) AppendMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	msg.Timestamp = now()

	sess, err := s.client.StartSession()
	if err != nil {
		return types.Message{}, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		var doc roomDoc
		err := s.rooms.FindOneAndUpdate(sc,
			bson.M{"room_id": msg.RoomId},
			bson.M{"$inc": bson.M{"seq_id": 1}, "$set": bson.M{"updated_at": msg.Timestamp}},
			options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{"seq_id": 1}),
		).Decode(&doc)
		if err != nil {
			return nil, err
		}
		msg.SeqId = doc.SeqId

		_, err = s.messages.InsertOne(sc, messageDoc{
			RoomId:     msg.RoomId,
			SeqId:      msg.SeqId,
			SenderId:   msg.SenderId,
			SenderName: msg.SenderName,
			Text:       msg.Text,
			IsTeacher:  msg.IsTeacher,
			IsSystem:   msg.IsSystem,
			CreatedAt:  msg.Timestamp,
		})
		return nil, err
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.Message{}, ErrRoomNotFound
		}
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *MongoRoomStore) ListMessages(ctx context.Context, roomId string, after, limit int) ([]types.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "seq_id", Value: 1}}).
		SetLimit(int64(clampLimit(limit)))
	cur, err := s.messages.Find(ctx, bson.M{"room_id": roomId, "seq_id": bson.M{"$gt": after}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]types.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.message())
	}
	return messages, nil
}

func (s *MongoRoomStore) WatchRoom(ctx context.Context, roomId string, fn func(types.Room)) error {
	room, err := s.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}

	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"fullDocument.room_id": roomId}}}}
	stream, err := s.rooms.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("watch room: %w", err)
	}

	go func() {
		defer stream.Close(context.Background())

		fn(room)
		for stream.Next(ctx) {
			var ev struct {
				FullDocument *roomDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				s.log.Printf("decode room change for %q: %v", roomId, err)
				continue
			}
			if ev.FullDocument != nil {
				fn(ev.FullDocument.room())
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.log.Printf("room change stream for %q: %v", roomId, err)
		}
	}()
	return nil
}

func (s *MongoRoomStore) WatchMessages(ctx context.Context, roomId string, afterSeq int, fn func(types.Message)) error {
	if _, err := s.GetRoom(ctx, roomId); err != nil {
		return err
	}

	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{
		"operationType":        "insert",
		"fullDocument.room_id": roomId,
	}}}}
	// open the stream before reading the backlog so nothing appended in
	// between is missed; the filter drops the overlap
	stream, err := s.messages.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("watch messages: %w", err)
	}

	accept := newerThan(afterSeq)
	go func() {
		defer stream.Close(context.Background())

		after := afterSeq
		for {
			page, err := s.ListMessages(ctx, roomId, after, MaxMessageLimit)
			if err != nil {
				s.log.Printf("load messages for %q: %v", roomId, err)
				break
			}
			for _, m := range page {
				if accept(m) {
					fn(m)
				}
			}
			if len(page) < MaxMessageLimit {
				break
			}
			after = page[len(page)-1].SeqId
		}

		for stream.Next(ctx) {
			var ev struct {
				FullDocument messageDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				s.log.Printf("decode message change for %q: %v", roomId, err)
				continue
			}
			if m := ev.FullDocument.message(); accept(m) {
				fn(m)
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.log.Printf("message change stream for %q: %v", roomId, err)
		}
	}()
	return nil
}

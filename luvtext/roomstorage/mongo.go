package roomstorage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/luvtext/common"
)

// mongoStateDoc는 네임스페이스 하나를 담는 문서입니다.
// 값은 JSON 원문 문자열로 저장하고, Version은 쓰기마다 1씩 증가합니다.
type mongoStateDoc struct {
	ID      string            `bson:"_id"`
	State   map[string]string `bson:"state"`
	Version int64             `bson:"version"`
}

// mongoChangeEvent는 변경 스트림 이벤트 중 필요한 필드입니다.
type mongoChangeEvent struct {
	OperationType string         `bson:"operationType"`
	FullDocument  *mongoStateDoc `bson:"fullDocument"`
}

var (
	fieldEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	fieldUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

// MongoStorage는 MongoDB 문서와 변경 스트림을 사용하는 Storage 구현입니다.
//
// 핸들은 마지막으로 본 전체 상태를 캐시로 가지고, 새 상태와 비교해 Diff를 만듭니다.
// 자신의 쓰기는 갱신된 문서로 즉시 반영하므로, 같은 변경이 스트림으로 다시 와도
// 빈 Diff가 되어 전달되지 않습니다. 스트림으로 늦게 도착한 이전 버전의 문서는
// 버전 비교로 무시합니다. 변경 스트림은 레플리카 셋이 필요합니다.
type MongoStorage struct {
	collection *mongo.Collection
	docID      string
	poster     Poster

	mu        sync.Mutex
	cache     map[string]json.RawMessage
	version   int64
	listeners listenerSet
	closed    bool

	stream    *mongo.ChangeStream
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

var _ Storage = (*MongoStorage)(nil)

// NewMongoStorage는 docID 문서에 대한 저장소 핸들을 생성합니다.
// 변경 스트림을 먼저 연 뒤 현재 상태를 읽어 캐시를 채웁니다.
func NewMongoStorage(ctx context.Context, collection *mongo.Collection, docID string, poster Poster) (*MongoStorage, error) {
	if collection == nil {
		return nil, common.ErrConfiguration{Field: "collection", Message: "mongo collection cannot be nil"}
	}
	if docID == "" {
		return nil, common.ErrConfiguration{Field: "docID", Message: "document id cannot be empty"}
	}

	s := &MongoStorage{
		collection: collection,
		docID:      docID,
		poster:     poster,
		cache:      make(map[string]json.RawMessage),
		done:       make(chan struct{}),
		logger:     qlog.Named("roomstorage.mongo").With(zap.String("doc", docID)),
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: docID}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := collection.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to watch %s", docID)
	}
	s.stream = stream

	var doc mongoStateDoc
	err = collection.FindOne(ctx, bson.D{{Key: "_id", Value: docID}}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		_ = stream.Close(ctx)
		return nil, pkgerrors.Wrapf(err, "failed to load %s", docID)
	default:
		s.cache = decodeMongoState(doc.State)
		s.version = doc.Version
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.handleEvents(watchCtx)

	return s, nil
}

// State는 캐시된 상태의 복사본을 반환합니다.
func (s *MongoStorage) State() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.cache)
}

// SetState는 문서 하나를 갱신해 여러 키를 원자적으로 기록합니다.
func (s *MongoStorage) SetState(partial map[string]json.RawMessage) error {
	if len(partial) == 0 {
		return nil
	}

	set := bson.M{}
	unset := bson.M{}
	for key, value := range partial {
		field := "state." + EscapeField(key)
		if value == nil {
			unset[field] = ""
			continue
		}
		set[field] = string(value)
	}

	update := bson.M{"$inc": bson.M{"version": 1}}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return s.update(update)
}

// EmptyStorage는 네임스페이스의 모든 키를 삭제합니다.
func (s *MongoStorage) EmptyStorage() error {
	return s.update(bson.M{
		"$set": bson.M{"state": bson.M{}},
		"$inc": bson.M{"version": 1},
	})
}

func (s *MongoStorage) update(update bson.M) error {
	if s.isClosed() {
		return common.ErrClosed
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc mongoStateDoc
	err := s.collection.FindOneAndUpdate(context.Background(), bson.D{{Key: "_id", Value: s.docID}}, update, opts).Decode(&doc)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to update %s", s.docID)
	}

	// 자신이 기록한 변경은 즉시 캐시와 리스너에 반영합니다
	s.sync(decodeMongoState(doc.State), doc.Version)
	return nil
}

// AddStateChangedListener는 변경 리스너를 등록합니다.
func (s *MongoStorage) AddStateChangedListener(fn Listener) func() {
	return s.listeners.add(fn)
}

// Destroy는 변경 스트림을 닫고 수신 고루틴이 끝날 때까지 기다립니다.
func (s *MongoStorage) Destroy() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		<-s.done
		s.listeners.clear()
	})
}

func (s *MongoStorage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sync는 새 전체 상태를 캐시와 비교해 바뀐 키만 전달합니다.
// 캐시보다 오래된 버전은 무시합니다. 버전 0은 문서가 삭제된 상태입니다.
func (s *MongoStorage) sync(state map[string]json.RawMessage, version int64) {
	s.mu.Lock()
	if s.closed || (version > 0 && version <= s.version) {
		s.mu.Unlock()
		return
	}
	diff := diffStates(s.cache, state)
	s.cache = state
	s.version = version
	s.mu.Unlock()

	if len(diff) > 0 {
		s.listeners.emit(diff)
	}
}

// handleEvents는 변경 스트림의 이벤트를 처리합니다.
func (s *MongoStorage) handleEvents(ctx context.Context) {
	defer close(s.done)
	defer s.stream.Close(context.Background())

	for s.stream.Next(ctx) {
		var event mongoChangeEvent
		if err := s.stream.Decode(&event); err != nil {
			s.logger.Warn("failed to decode change event", zap.Error(err))
			continue
		}

		state := make(map[string]json.RawMessage)
		var version int64
		switch event.OperationType {
		case "delete":
		default:
			if event.FullDocument == nil {
				continue
			}
			state = decodeMongoState(event.FullDocument.State)
			version = event.FullDocument.Version
		}

		if s.poster == nil {
			s.sync(state, version)
			continue
		}
		s.poster.Post(func() { s.sync(state, version) })
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) && !s.isClosed() {
		s.logger.Error("change stream stopped", zap.Error(err))
	}
}

// EscapeField는 키를 MongoDB 필드 이름으로 쓸 수 있게 바꿉니다.
func EscapeField(key string) string {
	return fieldEscaper.Replace(key)
}

// UnescapeField는 EscapeField의 역변환입니다.
func UnescapeField(field string) string {
	return fieldUnescaper.Replace(field)
}

func decodeMongoState(fields map[string]string) map[string]json.RawMessage {
	state := make(map[string]json.RawMessage, len(fields))
	for field, value := range fields {
		state[UnescapeField(field)] = json.RawMessage(value)
	}
	return state
}

// diffStates는 두 전체 상태 사이에서 바뀐 키의 Diff를 만듭니다.
func diffStates(before, after map[string]json.RawMessage) Diff {
	diff := make(Diff)
	for key, old := range before {
		next, ok := after[key]
		if !ok {
			diff[key] = Change{OldValue: old}
			continue
		}
		if !bytes.Equal(old, next) {
			diff[key] = Change{OldValue: old, NewValue: next}
		}
	}
	for key, next := range after {
		if _, ok := before[key]; !ok {
			diff[key] = Change{NewValue: next}
		}
	}
	return diff
}

package crdtsync

import (
	"encoding/base64"
	"sync"

	"go.uber.org/zap"

	"roomquill/core/qlog"
	"roomquill/internal/metrics"
	"roomquill/luvtext/common"
	"roomquill/luvtext/crdt"
)

// DefaultOptimizeAt은 로그를 압축하기 전까지 허용하는 기본 항목 수입니다.
const DefaultOptimizeAt = 1000

type connectOptions struct {
	optimizeAt int
	logger     *zap.Logger
}

// ConnectOption은 Connect 설정 함수입니다.
type ConnectOption func(*connectOptions)

// WithOptimizeAt은 로그 항목 수가 n을 넘으면 문서 전체 상태 하나로 압축하도록 설정합니다.
func WithOptimizeAt(n int) ConnectOption {
	return func(o *connectOptions) {
		o.optimizeAt = n
	}
}

// WithLogger는 브리지가 사용할 로거를 설정합니다.
func WithLogger(logger *zap.Logger) ConnectOption {
	return func(o *connectOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Connect는 업데이트 로그와 문서를 양방향으로 연결하고 해제 함수를 반환합니다.
//
// 연결 시 로그의 모든 항목을 원격 업데이트로 문서에 적용합니다.
// 이후 로컬 업데이트는 base64로 인코딩해 로그에 추가하고, 로그가 optimizeAt을 넘으면
// 문서 전체 상태 하나로 교체합니다. 다른 클라이언트가 추가한 업데이트는 원격 업데이트로
// 문서에 적용되며, 원격 업데이트는 로그로 다시 보내지 않습니다.
func Connect(log UpdateLog, doc *crdt.Doc, opts ...ConnectOption) (func(), error) {
	options := connectOptions{
		optimizeAt: DefaultOptimizeAt,
		logger:     qlog.Named("crdtsync.connect"),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.optimizeAt <= 0 {
		return nil, common.ErrConfiguration{Field: "optimizeAt", Message: "must be greater than 0"}
	}

	b := &bridge{
		log:        log,
		doc:        doc,
		optimizeAt: options.optimizeAt,
		logger:     options.logger,
	}

	// 상태 복원
	log.ForEach(func(update string, _ int) {
		b.applyRemote(update)
	})

	offDoc := doc.OnUpdate(b.onDocUpdate)
	offLog := log.OnUpdate(b.applyRemote)

	var once sync.Once
	return func() {
		once.Do(func() {
			offLog()
			offDoc()
		})
	}, nil
}

// bridge는 하나의 문서와 업데이트 로그 사이의 연결입니다.
type bridge struct {
	log        UpdateLog
	doc        *crdt.Doc
	optimizeAt int
	logger     *zap.Logger
}

// onDocUpdate는 원격이 아닌 문서 업데이트를 로그에 추가하고 필요하면 로그를 압축합니다.
func (b *bridge) onDocUpdate(update []byte, origin common.Origin) {
	if origin == common.OriginRemote {
		return
	}

	if err := b.log.Push(base64.StdEncoding.EncodeToString(update)); err != nil {
		b.logger.Error("failed to push update", zap.Error(err))
		return
	}
	metrics.UpdatesPushed.Inc()

	size := b.log.Size()
	metrics.UpdateLogSize.Set(float64(size))
	if size <= b.optimizeAt {
		return
	}

	state := base64.StdEncoding.EncodeToString(b.doc.EncodeStateAsUpdate())
	if err := b.log.Swap([]string{state}); err != nil {
		b.logger.Error("failed to compact update log", zap.Int("size", size), zap.Error(err))
		return
	}
	metrics.Compactions.Inc()
	b.logger.Debug("compacted update log", zap.Int("size", size))
}

// applyRemote는 로그 항목 하나를 원격 업데이트로 문서에 적용합니다.
// 해석할 수 없는 항목은 기록만 하고 건너뜁니다.
func (b *bridge) applyRemote(update string) {
	data, err := base64.StdEncoding.DecodeString(update)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("base64").Inc()
		b.logger.Warn("skipping update with invalid base64", zap.Error(err))
		return
	}
	if err := b.doc.ApplyUpdate(data, common.OriginRemote); err != nil {
		metrics.DecodeFailures.WithLabelValues("update").Inc()
		b.logger.Warn("skipping update that failed to apply", zap.Error(err))
		return
	}
	metrics.UpdatesApplied.Inc()
}

package ftr

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/peterbourgon/ftr/ftrcodec"
	"github.com/peterbourgon/ftr/internal/ftrdebug"
	"github.com/peterbourgon/ftr/internal/ftrringbuf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink receives finished, encoded traces. The ftrstore.Store type implements
// it.
type Sink interface {
	WriteTrace(ctx context.Context, id string, data []byte, createdAt time.Time) error
}

// Version is recorded in the metadata of every trace.
const Version = "0.1.0"

// SaveResult describes the outcome of persisting one trace.
type SaveResult struct {
	TraceID string
	Name    string
	Size    datasize.ByteSize
	Frames  int
	Took    time.Duration
	Err     error
}

// threadFrames are the frames cut from one thread for one trace.
type threadFrames struct {
	thread *Thread
	id     string
	ident  string
	order  int
	frames []ftrcodec.Raw
}

type threadBatch []threadFrames

func (b threadBatch) frameCount() int {
	var n int
	for _, tf := range b {
		n += len(tf.frames)
	}
	return n
}

// saveJob is a finished trace. Once created, it's owned by the persister.
type saveJob struct {
	id      string
	name    string
	owner   *Thread
	created time.Time
	threads threadBatch
}

// ownerID is the document ID of the owner thread.
func (j *saveJob) ownerID() string {
	for _, tf := range j.threads {
		if tf.thread == j.owner && tf.id != "" {
			return tf.id
		}
	}
	return j.owner.ID()
}

//
//
//

const savedResultsCap = 64

// persister assembles trace documents and writes them to the sink, either
// inline or in background goroutines.
type persister struct {
	sink       Sink
	ctx        context.Context
	maxSize    datasize.ByteSize
	encoder    ftrcodec.Encoder
	background bool
	logger     logrus.FieldLogger
	meta       map[string]any
	args       []string
	commit     string

	group errgroup.Group

	mtx     sync.Mutex
	results *ftrringbuf.RingBuffer[SaveResult]
}

func newPersister(sink Sink, cfg Config, source string, o options, logger logrus.FieldLogger) *persister {
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	environment := map[string]any{
		"go_version": runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"pid":        os.Getpid(),
	}
	if hostname, err := os.Hostname(); err == nil {
		environment["hostname"] = hostname
	}
	for k, v := range cfg.Environment {
		environment[k] = v
	}

	return &persister{
		sink:       sink,
		ctx:        ctx,
		maxSize:    cfg.MaxTraceSize,
		encoder:    ftrcodec.Encoder{Lightweight: cfg.LightweightRepr},
		background: o.background,
		logger:     logger,
		meta: map[string]any{
			"version":     Version,
			"source":      source,
			"environment": environment,
			"config":      cfg.metadata(),
		},
		args:    append([]string(nil), os.Args...),
		commit:  commitSHA(),
		results: ftrringbuf.NewRingBuffer[SaveResult](savedResultsCap),
	}
}

// persist saves the job. In background mode, it returns immediately, and any
// error is reported by wait.
func (p *persister) persist(job *saveJob) error {
	if p.background {
		p.group.Go(func() error { return p.save(job) })
		return nil
	}
	return p.save(job)
}

func (p *persister) wait() error {
	return p.group.Wait()
}

func (p *persister) save(job *saveJob) (err error) {
	var (
		begin  = time.Now()
		result = SaveResult{TraceID: job.id, Frames: job.threads.frameCount()}
		logger = p.logger.WithField("trace_id", job.id)
	)

	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("%s: panic during save: %v", job.id, x)
		}
		result.Took = time.Since(begin)
		result.Err = err
		if err != nil {
			ftrdebug.Save.Failed.Add(1)
			logger.Warnf("save trace: %v", err)
		} else {
			ftrdebug.Save.Saved.Add(1)
			ftrdebug.Save.Bytes.Add(uint64(result.Size))
		}
		p.mtx.Lock()
		p.results.Add(result)
		p.mtx.Unlock()
	}()

	result.Name = job.name
	if result.Name == "" {
		result.Name = traceName(job)
	}

	data := p.encoder.Marshal(p.document(job, result.Name))
	result.Size = datasize.ByteSize(len(data))

	if result.Size > p.maxSize {
		logger.WithFields(logrus.Fields{
			"size":     result.Size.HR(),
			"max_size": p.maxSize.HR(),
		}).Warn("trace too big, dropping")
		return fmt.Errorf("%s: trace size %s exceeds max %s", job.id, result.Size.HR(), p.maxSize.HR())
	}

	if err := p.sink.WriteTrace(p.ctx, job.id, data, job.created); err != nil {
		return fmt.Errorf("%s: write: %w", job.id, err)
	}

	logger.WithFields(logrus.Fields{
		"name":   result.Name,
		"frames": result.Frames,
		"size":   result.Size.HR(),
	}).Debug("trace saved")

	return nil
}

// document assembles the trace document. Frames are already encoded, and are
// written verbatim.
func (p *persister) document(job *saveJob, name string) map[string]any {
	threads := make(map[string]any, len(job.threads))
	for _, tf := range job.threads {
		t := tf.thread
		id, identStr := tf.id, tf.ident
		if id == "" {
			id, identStr = t.ID(), t.Ident
		}
		var nativeID, ident any
		if t.NativeID != 0 {
			nativeID = t.NativeID
		}
		if identStr != "" {
			ident = identStr
		}
		frames := tf.frames
		if frames == nil {
			frames = []ftrcodec.Raw{}
		}
		threads[id] = map[string]any{
			"name":      t.Name,
			"native_id": nativeID,
			"ident":     ident,
			"daemon":    t.Daemon,
			"is_alive":  t.isAlive(),
			"frames":    frames,
		}
	}

	var traceName any
	if name != "" {
		traceName = name
	}

	var commit any
	if p.commit != "" {
		commit = p.commit
	}

	return map[string]any{
		"trace_id":           job.id,
		"trace_name":         traceName,
		"timestamp":          timestamp(job.created),
		"current_thread_id":  job.ownerID(),
		"command_line_args":  p.args,
		"current_commit_sha": commit,
		"meta":               p.meta,
		"threads":            threads,
	}
}

func (p *persister) recent() []SaveResult {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.results.Recent(-1)
}

func commitSHA() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

//
//
//

const nameScanFrames = 3

// traceName derives a name from the first and last few frames of the owner
// thread. A unit name wins over an HTTP name. It returns "" if neither is
// available.
func traceName(job *saveJob) string {
	var frames []ftrcodec.Raw
	for _, tf := range job.threads {
		if tf.thread == job.owner {
			frames = tf.frames
			break
		}
	}
	if len(frames) <= 0 {
		return ""
	}

	head := frames[:min(nameScanFrames, len(frames))]
	tail := frames[max(0, len(frames)-nameScanFrames):]

	var (
		unitStart, unitEnd map[string]any
		request, response  map[string]any
	)
	for _, f := range head {
		doc := decodeFrameDoc(f)
		switch asString(doc["type"]) {
		case TypeUnitStart:
			if unitStart == nil {
				unitStart = doc
			}
		case TypeHTTPRequest:
			if request == nil {
				request = doc
			}
		}
	}
	for _, f := range tail {
		doc := decodeFrameDoc(f)
		switch asString(doc["type"]) {
		case TypeUnitEnd:
			unitEnd = doc
		case TypeHTTPResponse:
			response = doc
		}
	}

	if unitStart != nil && unitEnd != nil {
		if name := asString(unitStart["test_name"]); name != "" {
			if class := asString(unitStart["test_class"]); class != "" {
				return class + "." + name
			}
			return name
		}
	}

	if request != nil && response != nil {
		method, path := asString(request["method"]), asString(request["path"])
		status := response["status_code"]
		if method != "" && path != "" && status != nil {
			return fmt.Sprintf("%v %s %s", status, method, path)
		}
	}

	return ""
}

func decodeFrameDoc(f ftrcodec.Raw) map[string]any {
	v, err := ftrcodec.Unmarshal(f)
	if err != nil {
		return nil
	}
	doc, _ := v.(map[string]any)
	return doc
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

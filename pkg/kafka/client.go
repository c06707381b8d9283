// Package kafka 将任务队列的状态变化事件发布到 Kafka 主题。
package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pdfchat-go/internal/config"
	"pdfchat-go/pkg/log"
	"pdfchat-go/pkg/queue"

	"github.com/segmentio/kafka-go"
)

// MessageWriter 抽象了 kafka.Writer 的写入能力，便于测试替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// JobEvent 是写入 Kafka 的事件消息体。
type JobEvent struct {
	Type         string          `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	State        string          `json:"state,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// EventPublisher 是一个 queue.Listener，把每个任务事件以 JSON 写入 Kafka。
// 消息 key 为任务 ID，保证同一任务的事件落在同一分区并保持顺序。
// OnEvent 只把消息放入缓冲队列，由独立的协程写入 Kafka，不阻塞任务处理；
// 缓冲区满时丢弃事件并记录日志。
type EventPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	msgs    chan kafka.Message
	done    chan struct{}
	once    sync.Once
}

// defaultBuffer 是待发布事件的缓冲区大小。
const defaultBuffer = 256

// NewWriter 根据配置创建 Kafka 生产者。
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	log.Infof("Kafka 生产者初始化成功, topic: %s", cfg.EventsTopic)
	return w
}

// NewEventPublisher 创建一个新的 EventPublisher 实例，并启动后台发布协程。
func NewEventPublisher(writer MessageWriter) *EventPublisher {
	return newEventPublisher(writer, defaultBuffer)
}

func newEventPublisher(writer MessageWriter, buffer int) *EventPublisher {
	p := &EventPublisher{
		writer:  writer,
		timeout: 5 * time.Second,
		msgs:    make(chan kafka.Message, buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// OnEvent 满足 queue.Listener 接口。发布失败只记录日志，不影响任务处理。
func (p *EventPublisher) OnEvent(_ context.Context, e queue.Event) {
	value, err := json.Marshal(toJobEvent(e))
	if err != nil {
		log.Errorf("[Kafka] 序列化任务事件失败: %v", err)
		return
	}

	select {
	case p.msgs <- kafka.Message{Key: []byte(e.JobID), Value: value}:
	default:
		log.Warnf("[Kafka] 事件缓冲区已满，丢弃事件, type: %s, jobId: %s", e.Type, e.JobID)
	}
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for msg := range p.msgs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			log.Errorf("[Kafka] 发布任务事件失败, jobId: %s, error: %v", string(msg.Key), err)
		}
		cancel()
	}
}

// Close 发布完缓冲区中剩余的事件后关闭底层生产者。
// Close 之后不能再调用 OnEvent。
func (p *EventPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.msgs)
		<-p.done
		err = p.writer.Close()
	})
	return err
}

func toJobEvent(e queue.Event) JobEvent {
	msg := JobEvent{
		Type:      string(e.Type),
		Queue:     e.Queue,
		JobID:     e.JobID,
		Progress:  e.Progress,
		Timestamp: e.Time.UnixMilli(),
	}
	if e.Job != nil {
		msg.State = string(e.Job.State)
		msg.AttemptsMade = e.Job.AttemptsMade
		if e.Type != queue.EventProgress {
			msg.Progress = e.Job.Progress
		}
	}
	if e.Err != nil {
		msg.FailedReason = e.Err.Error()
	}
	if len(e.Result) > 0 {
		msg.ReturnValue = e.Result
	}
	return msg
}

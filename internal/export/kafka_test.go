package export

import (
	"fmt"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func TestNewFirehoseInstallsCompletionHandler(t *testing.T) {
	f := NewFirehose([]string{"broker:9092"}, "mesh-raw-frames", zap.NewNop())
	defer f.Close()

	if f.writer.Completion == nil {
		t.Fatal("async writer must report delivery failures through Completion")
	}
	// Must tolerate both outcomes without panicking.
	f.writer.Completion([]kafka.Message{{}}, fmt.Errorf("broker unreachable"))
	f.writer.Completion([]kafka.Message{{}}, nil)
}

//go:build integration

package intent

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/ollama"
)

func TestClassify_RealOllama(t *testing.T) {
	client := ollama.New("http://localhost:11434")
	if !client.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !client.HasModel(context.Background(), "llama3.2") {
		t.Skip("llama3.2 model not available, skipping integration test")
	}

	c := NewClassifier(client, "llama3.2", 10*time.Second)

	start := time.Now()
	got, err := c.Classify(context.Background(), "remind me to call the plumber tomorrow at 9am", "", nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind == "" {
		t.Error("Kind is empty")
	}
	t.Logf("classification: %+v (took %v)", got, elapsed)
}

package fingerprint

import (
	"testing"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

func baseRequest() *domain.Request {
	return &domain.Request{
		RequestID:   "req-1",
		TenantID:    "tenant-a",
		UserID:      "user-1",
		TaskType:    domain.TaskItinerary,
		Prompt:      "three days in Lisbon with two families",
		MaxTokens:   512,
		Temperature: 0.7,
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := Compute(baseRequest())
	b := Compute(baseRequest())
	if a != b {
		t.Errorf("identical requests produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestCompute_TenantIndependent(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.TenantID = "tenant-b"
	b.UserID = "user-9"
	b.RequestID = "req-2"

	if Compute(a) != Compute(b) {
		t.Error("fingerprint should not depend on tenant, user, or request id")
	}
}

func TestCompute_SensitiveToPayloadAndParams(t *testing.T) {
	base := Compute(baseRequest())

	prompt := baseRequest()
	prompt.Prompt = "four days in Porto"
	if Compute(prompt) == base {
		t.Error("fingerprint should change with the prompt")
	}

	task := baseRequest()
	task.TaskType = domain.TaskSummary
	if Compute(task) == base {
		t.Error("fingerprint should change with the task type")
	}

	temp := baseRequest()
	temp.Temperature = 0.2
	if Compute(temp) == base {
		t.Error("fingerprint should change with generation parameters")
	}

	model := baseRequest()
	model.PreferredModel = "gpt-4o-mini"
	if Compute(model) == base {
		t.Error("fingerprint should change with the preferred model")
	}
}

package destinations

import (
	"context"
	"fmt"
	"sync"
)

// MockConnector is a scriptable in-memory connector for tests: it records
// every publish and fails the first FailTimes calls with FailWith.
type MockConnector struct {
	name string
	caps Capabilities

	mu        sync.Mutex
	published []PublishInput
	FailTimes int
	FailWith  *PublishError
}

func NewMockConnector(name string) *MockConnector {
	return &MockConnector{
		name: name,
		caps: Capabilities{Mode: ModePushAPI, RequiresCredentials: true},
	}
}

// WithCapabilities overrides the default capabilities.
func (c *MockConnector) WithCapabilities(caps Capabilities) *MockConnector {
	c.caps = caps
	return c
}

func (c *MockConnector) Name() string               { return c.name }
func (c *MockConnector) Capabilities() Capabilities { return c.caps }

func (c *MockConnector) Publish(_ context.Context, in PublishInput) (PublishResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, in)
	if c.FailTimes > 0 {
		c.FailTimes--
		if c.FailWith != nil {
			return PublishResult{}, c.FailWith
		}
		return PublishResult{}, &PublishError{Code: CodeHTTPError, Message: "scripted failure", Retryable: true}
	}
	return PublishResult{
		ExternalListingID: fmt.Sprintf("ext-%s-%d", in.ListingID, len(c.published)),
		Response:          map[string]any{"status_code": 200},
	}, nil
}

// Published returns a copy of the recorded publish inputs.
func (c *MockConnector) Published() []PublishInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishInput, len(c.published))
	copy(out, c.published)
	return out
}

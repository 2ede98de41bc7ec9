package processor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// payloadSchemas validates message payloads against per-type JSON
// schemas. Types without a registered schema pass unchecked.
type payloadSchemas struct {
	mu      sync.RWMutex
	schemas map[contracts.MessageType]*jsonschema.Schema
}

func newPayloadSchemas() *payloadSchemas {
	return &payloadSchemas{schemas: make(map[contracts.MessageType]*jsonschema.Schema)}
}

// register compiles and stores a schema for the message type.
func (p *payloadSchemas) register(mt contracts.MessageType, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	name := fmt.Sprintf("payload-%s.json", strings.ToLower(string(mt)))
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("processor: add schema for %s: %w", mt, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("processor: compile schema for %s: %w", mt, err)
	}
	p.mu.Lock()
	p.schemas[mt] = schema
	p.mu.Unlock()
	return nil
}

// validate checks the payload when a schema exists for the type.
func (p *payloadSchemas) validate(msg *contracts.Message) error {
	p.mu.RLock()
	schema := p.schemas[msg.Type]
	p.mu.RUnlock()
	if schema == nil {
		return nil
	}

	payload := map[string]any{}
	if msg.Payload != nil {
		payload = msg.Payload
	}
	if err := schema.Validate(any(payload)); err != nil {
		return contracts.NewBusError(
			contracts.KindValidation,
			contracts.ErrInvalidPayload,
			fmt.Sprintf("payload rejected by %s schema: %v", msg.Type, err),
		)
	}
	return nil
}

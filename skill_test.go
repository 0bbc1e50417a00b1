package caldera

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type upperSkill struct{}

func (upperSkill) Metadata() SkillMetadata {
	return SkillMetadata{ID: "upper", Name: "Uppercase", Version: "1.0.0"}
}

func (upperSkill) Execute(_ context.Context, _ *SkillContext, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, BadRequest("invalid input: %v", err)
	}
	return json.Marshal(map[string]string{"text": strings.ToUpper(in.Text)})
}

type panickySkill struct{}

func (panickySkill) Metadata() SkillMetadata { return SkillMetadata{ID: "panicky", Name: "Panicky"} }
func (panickySkill) Execute(context.Context, *SkillContext, json.RawMessage) (json.RawMessage, error) {
	panic("unplanned")
}

func TestSkillRegistryExecute(t *testing.T) {
	r := NewSkillRegistry()
	if err := r.Register(upperSkill{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "upper", json.RawMessage(`{"text":"hi"}`))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(string(res.Output), "HI") {
		t.Errorf("output = %s", res.Output)
	}
	if res.Meta.ExecutionID == "" || res.Meta.SkillID != "upper" || res.Meta.SkillName != "Uppercase" {
		t.Errorf("meta = %+v", res.Meta)
	}
	if res.Meta.EndTime < res.Meta.StartTime {
		t.Errorf("timing = %+v", res.Meta)
	}
}

func TestSkillRegistryExecuteFailure(t *testing.T) {
	r := NewSkillRegistry()
	if err := r.Register(upperSkill{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "upper", json.RawMessage(`not json`))
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v", res)
	}

	res = r.Execute(context.Background(), "ghost", nil)
	if res.Success || !strings.Contains(res.Error, "unknown skill") {
		t.Errorf("unknown skill result = %+v", res)
	}
}

func TestSkillRegistryPanicRecovery(t *testing.T) {
	r := NewSkillRegistry()
	if err := r.Register(panickySkill{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "panicky", nil)
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Errorf("result = %+v", res)
	}
}

func TestSkillRegistryList(t *testing.T) {
	r := NewSkillRegistry()
	if err := r.Register(upperSkill{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(panickySkill{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&echoSkillStub{id: ""}); err == nil {
		t.Error("empty id accepted")
	}

	all := r.List(nil)
	if len(all) != 2 || all[0].ID != "upper" || all[1].ID != "panicky" {
		t.Errorf("List(nil) = %+v", all)
	}
	subset := r.List([]string{"panicky", "missing"})
	if len(subset) != 1 || subset[0].ID != "panicky" {
		t.Errorf("subset = %+v", subset)
	}
}

type echoSkillStub struct{ id string }

func (s *echoSkillStub) Metadata() SkillMetadata { return SkillMetadata{ID: s.id} }
func (s *echoSkillStub) Execute(_ context.Context, _ *SkillContext, in json.RawMessage) (json.RawMessage, error) {
	return in, nil
}

package model

import "testing"

func TestValidateStruct_policy(t *testing.T) {
	doc := PolicyDocument{
		Key:   "",
		Steps: []PolicyStep{{Name: "", DueInHours: -1}},
	}
	err := ValidateStruct(doc)
	if !IsCode(err, ErrValidationError) {
		t.Fatalf("ValidateStruct() error = %v, want VALIDATION_ERROR", err)
	}
	env := err.(*ErrorEnvelope)
	fields := make(map[string]bool)
	for _, d := range env.Details {
		fields[d.Field] = true
	}
	for _, want := range []string{"key", "steps[0].name", "steps[0].dueInHours"} {
		if !fields[want] {
			t.Errorf("Details missing field %q, got %+v", want, env.Details)
		}
	}
}

func TestValidateStruct_rule_operator(t *testing.T) {
	doc := PolicyDocument{
		Key:   "journal.post",
		Rules: &RuleSet{All: []Condition{{Field: "amount", Operator: "between"}}},
		Steps: []PolicyStep{{Name: "Manager", AssigneeRoleID: "manager"}},
	}
	err := ValidateStruct(doc)
	if !IsCode(err, ErrValidationError) {
		t.Fatalf("ValidateStruct() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestValidateStruct_valid(t *testing.T) {
	doc := PolicyDocument{
		Key:   "journal.post",
		Steps: []PolicyStep{{Name: "Manager", AssigneeRoleID: "manager"}},
	}
	if err := ValidateStruct(doc); err != nil {
		t.Fatalf("ValidateStruct() error = %v", err)
	}
}

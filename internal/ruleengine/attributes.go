package ruleengine

// Built-in attribute names backed by EvaluationContext fields.
const (
	AttrSubjectID = "subject_id"
	AttrIP        = "ip"
	AttrUserAgent = "user_agent"
)

// Attributes is the resolved attribute view a predicate is evaluated against.
//
// Lookup order: context attribute map, context built-ins, subject attribute
// map, subject properties. A nil value counts as undefined.
type Attributes struct {
	ctx     EvaluationContext
	subject *Subject
}

// NewAttributes builds the attribute view for a context and an optional subject.
func NewAttributes(ctx EvaluationContext, subject *Subject) Attributes {
	return Attributes{ctx: ctx, subject: subject}
}

// Lookup resolves name. The boolean is false when the attribute is undefined.
func (a Attributes) Lookup(name string) (any, bool) {
	if v, ok := a.ctx.Attributes[name]; ok && v != nil {
		return v, true
	}

	switch name {
	case AttrSubjectID:
		if a.ctx.SubjectID != "" {
			return a.ctx.SubjectID, true
		}
	case AttrIP:
		if a.ctx.IP != "" {
			return a.ctx.IP, true
		}
	case AttrUserAgent:
		if a.ctx.UserAgent != "" {
			return a.ctx.UserAgent, true
		}
	}

	if a.subject == nil {
		return nil, false
	}
	if v, ok := a.subject.Attributes[name]; ok && v != nil {
		return v, true
	}
	if v, ok := a.subject.Properties[name]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// Identified reports whether a subject record backs this view.
func (a Attributes) Identified() bool {
	return a.subject != nil
}

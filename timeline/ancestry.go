package timeline

// NamedAttempt pairs a record name with its attempt number.
type NamedAttempt struct {
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

// PipelineReference is the (Stage, Phase, Job) coordinate that identifies
// which branch of the execution tree a record or test run belongs to. It
// is a correlation key and is never persisted on its own.
type PipelineReference struct {
	Stage NamedAttempt `json:"stage"`
	Phase NamedAttempt `json:"phase"`
	Job   NamedAttempt `json:"job"`
}

// Key returns a stable map key for correlating references.
func (p PipelineReference) Key() string {
	return p.Stage.Name + "\x00" + p.Phase.Name + "\x00" + p.Job.Name
}

// PipelineReference walks parent pointers from the given record to the
// root, remembering the nearest Job, Phase, and Stage ancestor. A record
// counts as its own nearest ancestor of its type. If any of the three is
// missing above the record, the reference is undefined and ok is false;
// callers skip correlation rather than fail.
func (t *Tree) PipelineReference(id string) (PipelineReference, bool) {
	n, ok := t.byID[id]
	if !ok {
		return PipelineReference{}, false
	}

	var ref PipelineReference
	var haveJob, havePhase, haveStage bool
	for ; n != nil && n != t.root; n = n.parent {
		switch n.record.Type {
		case RecordTypeJob:
			if !haveJob {
				ref.Job = NamedAttempt{Name: n.record.Name, Attempt: n.record.Attempt}
				haveJob = true
			}
		case RecordTypePhase:
			if !havePhase {
				ref.Phase = NamedAttempt{Name: n.record.Name, Attempt: n.record.Attempt}
				havePhase = true
			}
		case RecordTypeStage:
			if !haveStage {
				ref.Stage = NamedAttempt{Name: n.record.Name, Attempt: n.record.Attempt}
				haveStage = true
			}
		}
	}
	if !haveJob || !havePhase || !haveStage {
		return PipelineReference{}, false
	}
	return ref, true
}

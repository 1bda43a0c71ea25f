package memory

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	clone := *rec
	attrs := &clone.Metadata.Attributes
	attrs.Topics = cloneStrings(rec.Metadata.Attributes.Topics)
	attrs.KeyFacts = cloneStrings(rec.Metadata.Attributes.KeyFacts)
	attrs.Participants = cloneStrings(rec.Metadata.Attributes.Participants)
	return &clone
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// Package domain holds the plain data types shared across the worker:
// the job record carried by the queue and the instance lease borrowed
// from the allocator.
package domain

import "encoding/json"

// Job is a single unit of work pulled from the queue. It is immutable
// once enqueued; every field must round-trip losslessly through JSON,
// including embedded quotes, newlines, and reserved punctuation.
type Job struct {
	ID         string `json:"id"`
	RepoURL    string `json:"repo_url"`
	Branch     string `json:"branch"`
	Prompt     string `json:"prompt"`
	MCPURL     string `json:"mcp_url,omitempty"`
}

// Encode serializes the job as a self-describing JSON record.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a serialized job record. A decode failure is a poison
// record: the caller must not retry decoding the same bytes and must
// leave the underlying broker entry in place for operator inspection.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CommitMessage builds the commit message for changes produced by the
// agent while processing this job.
func (j *Job) CommitMessage() string {
	return "Agent changes for job: " + j.ID + "\n\nPrompt: " + j.Prompt
}

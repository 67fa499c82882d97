// Package remediation submits diagnosis-and-fix tasks to the orchestration
// platform as declarative custom resources.
package remediation

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/dispatch"
)

// codeRunGVR identifies the platform's remediation resource.
var codeRunGVR = schema.GroupVersionResource{
	Group:    "agents.platform",
	Version:  "v1",
	Resource: "coderuns",
}

// Submitter creates CodeRun resources via the dynamic client.
type Submitter struct {
	client    dynamic.Interface
	namespace string
	agent     string
	logger    zerolog.Logger
}

// New creates a submitter from REST config.
func New(restConfig *rest.Config, namespace, agent string, logger zerolog.Logger) (*Submitter, error) {
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	return NewFromInterface(dyn, namespace, agent, logger), nil
}

// NewFromInterface creates a submitter from an existing dynamic client (for testing).
func NewFromInterface(dyn dynamic.Interface, namespace, agent string, logger zerolog.Logger) *Submitter {
	return &Submitter{
		client:    dyn,
		namespace: namespace,
		agent:     agent,
		logger:    logger.With().Str("component", "remediation").Logger(),
	}
}

// Submit creates one CodeRun carrying the issue ID, evidence, and archived
// log reference. The resource name embeds a random suffix; the issue ID
// label is what the external system deduplicates on.
func (s *Submitter) Submit(ctx context.Context, req dispatch.Request) error {
	name := fmt.Sprintf("remediation-%s-%s", req.TaskID, uuid.NewString()[:8])

	env := map[string]interface{}{
		"ISSUE_ID":   req.IssueID,
		"ISSUE_KIND": string(req.Source),
		"RULE_KIND":  req.Kind,
	}
	if req.LogRef != "" {
		env["ARCHIVED_LOG_REF"] = req.LogRef
	}

	evidence := make(map[string]interface{}, len(req.Evidence))
	for k, v := range req.Evidence {
		evidence[k] = v
	}

	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "agents.platform/v1",
		"kind":       "CodeRun",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": s.namespace,
			"labels": map[string]interface{}{
				"task-id":     req.TaskID,
				"issue-id":    req.IssueID,
				"remediation": "true",
			},
		},
		"spec": map[string]interface{}{
			"taskId":   req.TaskID,
			"agent":    s.agent,
			"env":      env,
			"evidence": evidence,
		},
	}}

	_, err := s.client.Resource(codeRunGVR).Namespace(s.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("creating remediation %s: %w", name, err)
	}

	s.logger.Info().Str("name", name).Str("issue_id", req.IssueID).Msg("remediation CodeRun created")
	return nil
}

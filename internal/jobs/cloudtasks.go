package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// enqueueBudget bounds how long a Cloud Tasks enqueue may hold up ingest.
const enqueueBudget = 2 * time.Second

// CloudDispatcher enqueues jobs as Cloud Tasks HTTP tasks aimed at the
// worker endpoint. Cloud Tasks provides retry with exponential backoff and
// dead-lettering at the queue level.
//
// Falls back to the in-process Pool when an enqueue fails, so a Cloud Tasks
// outage degrades delivery guarantees without dropping work outright.
type CloudDispatcher struct {
	client    *cloudtasks.Client
	queuePath string
	workerURL string
	authToken string
	logger    *log.Logger
	fallback  *Pool
}

var _ Dispatcher = (*CloudDispatcher)(nil)

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. workerURL is the base URL tasks POST back to;
// authToken rides on every task so the worker endpoint can reject direct
// callers.
func NewCloudDispatcher(projectID, locationID, queueID, workerURL, authToken string, fallback *Pool) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		client:    client,
		queuePath: queuePath,
		workerURL: workerURL,
		authToken: authToken,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}
	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return cd, nil
}

// Enqueue creates one HTTP task carrying the serialized job. The call is
// bounded by enqueueBudget; on failure the job is handed to the in-process
// fallback when one is configured.
func (cd *CloudDispatcher) Enqueue(ctx context.Context, topic string, payload any, opts Options) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	body, err := json.Marshal(&Job{
		Topic:      topic,
		TenantID:   opts.TenantID,
		TenantSlug: opts.TenantSlug,
		Payload:    raw,
		Attempt:    1,
	})
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        cd.workerURL + "/internal/jobs/" + topic,
					Headers: map[string]string{
						"Content-Type":           "application/json",
						"X-Storelane-Tenant":     opts.TenantID,
						"X-Storelane-Attempt":    "1",
						"X-Storelane-Jobs-Token": cd.authToken,
					},
					Body: body,
				},
			},
		},
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, enqueueBudget)
	defer cancel()

	task, err := cd.client.CreateTask(enqueueCtx, req)
	if err != nil {
		cd.logger.Printf("❌ Cloud Task enqueue failed for %s: %v", topic, err)
		if cd.fallback != nil {
			cd.logger.Printf("↩️  Falling back to in-process delivery for %s", topic)
			return cd.fallback.Enqueue(ctx, topic, payload, opts)
		}
		return fmt.Errorf("enqueue task: %w", err)
	}

	cd.logger.Printf("📤 Enqueued %s for tenant %s (task=%s)", topic, opts.TenantSlug, task.GetName())
	return nil
}

// Shutdown closes the Cloud Tasks client and the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

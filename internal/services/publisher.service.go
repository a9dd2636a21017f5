package services

import (
	"context"
	"fmt"

	"opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

type PublishResult struct {
	RepoID    string `json:"repoId"`
	CommitOID string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

type PublisherService struct {
	hub     HubClient
	scratch *ScratchService
	owner   string
	log     logger.Logger
}

func NewPublisherService(hub HubClient, scratch *ScratchService, owner string) *PublisherService {
	return &PublisherService{
		hub:     hub,
		scratch: scratch,
		owner:   owner,
		log:     logger.New("publisherService"),
	}
}

// Publish creates the job's dataset if needed and commits the columnar file as
// data.parquet. Local artifacts for the job are removed only once the commit
// is confirmed; any failure leaves them in place.
func (ps *PublisherService) Publish(
	ctx context.Context,
	job models.Job,
	columnarPath string,
) (PublishResult, error) {
	log := ps.log.TraceFromContext(ctx).Function("Publish")
	repoID := job.RepoID(ps.owner)

	if err := ps.hub.CreateDataset(ctx, repoID); err != nil {
		return PublishResult{}, log.Err("failed to ensure dataset exists", err, "job", job.String(), "repoID", repoID)
	}

	summary := fmt.Sprintf(
		"Upload OPM %s data for %s",
		job.DataType.Label(),
		job.Month.FirstDay().Format("January 2006"),
	)
	commit, err := ps.hub.UploadFile(ctx, repoID, columnarPath, models.DatasetFileName, summary)
	if err != nil {
		return PublishResult{}, log.Err("failed to upload dataset file", err, "job", job.String(), "repoID", repoID)
	}

	if err := ps.scratch.CleanupJob(ctx, job); err != nil {
		// The upload is confirmed; leftover scratch files only cost disk space.
		log.Warn("Published but failed to clean up local artifacts", "job", job.String(), "error", err)
	}

	log.Info("Published dataset", "job", job.String(), "repoID", repoID, "commit", commit.CommitOID)
	return PublishResult{
		RepoID:    repoID,
		CommitOID: commit.CommitOID,
		CommitURL: commit.CommitURL,
	}, nil
}

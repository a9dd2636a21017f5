package services

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"opmsync/internal/huggingface"
	"opmsync/internal/models"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

// HubClient is the subset of the Hugging Face Hub API the pipeline relies on.
type HubClient interface {
	WhoAmI(ctx context.Context) (*huggingface.WhoAmI, error)
	DatasetExists(ctx context.Context, repoID string) (bool, error)
	ListFiles(ctx context.Context, repoID string) ([]string, error)
	CreateDataset(ctx context.Context, repoID string) error
	UploadFile(
		ctx context.Context,
		repoID, localPath, pathInRepo, summary string,
	) (*huggingface.CommitInfo, error)
	SearchDatasets(ctx context.Context, author, search string) ([]string, error)
}

type InventoryState int

const (
	InventoryUnknown InventoryState = iota
	InventoryAbsent
	InventoryPresent
)

func (s InventoryState) String() string {
	switch s {
	case InventoryPresent:
		return "present"
	case InventoryAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

type InventoryService struct {
	hub   HubClient
	owner string
	log   logger.Logger
}

func NewInventoryService(hub HubClient, owner string) *InventoryService {
	return &InventoryService{
		hub:   hub,
		owner: owner,
		log:   logger.New("inventoryService"),
	}
}

func (is *InventoryService) Owner() string {
	return is.owner
}

// Exists reports whether a job's dataset is already published with its data
// file. A repository without data.parquet counts as absent. Failures that
// outlast the client's retries give Unknown and are never fatal.
func (is *InventoryService) Exists(ctx context.Context, job models.Job) (InventoryState, error) {
	log := is.log.TraceFromContext(ctx).Function("Exists")
	repoID := job.RepoID(is.owner)

	exists, err := is.hub.DatasetExists(ctx, repoID)
	if err != nil {
		return is.unknown(ctx, log, job, err)
	}
	if !exists {
		return InventoryAbsent, nil
	}

	files, err := is.hub.ListFiles(ctx, repoID)
	if err != nil {
		return is.unknown(ctx, log, job, err)
	}

	if slices.Contains(files, models.DatasetFileName) {
		return InventoryPresent, nil
	}

	log.Info("Dataset exists without data file, treating as absent", "job", job.String(), "repoID", repoID)
	return InventoryAbsent, nil
}

func (is *InventoryService) unknown(
	ctx context.Context,
	log logger.Logger,
	job models.Job,
	err error,
) (InventoryState, error) {
	if ctx.Err() != nil {
		return InventoryUnknown, ctx.Err()
	}

	log.Warn("Inventory check failed, treating job as pending",
		"job", job.String(),
		"repoID", job.RepoID(is.owner),
		"errorKind", types.Kind(err),
		"error", err)
	return InventoryUnknown, nil
}

// Snapshot checks every job in order. Only cancellation stops it early.
func (is *InventoryService) Snapshot(
	ctx context.Context,
	jobs []models.Job,
) (map[models.Job]InventoryState, error) {
	states := make(map[models.Job]InventoryState, len(jobs))
	for _, job := range jobs {
		state, err := is.Exists(ctx, job)
		if err != nil {
			return states, err
		}
		states[job] = state
	}
	return states, nil
}

// ListPresent returns the months the owner has published for a data type,
// based on dataset names alone.
func (is *InventoryService) ListPresent(
	ctx context.Context,
	dataType models.DataType,
) ([]models.MonthKey, error) {
	log := is.log.TraceFromContext(ctx).Function("ListPresent")

	prefix := models.DatasetPrefix + "-" + dataType.Slug() + "-"
	ids, err := is.hub.SearchDatasets(ctx, is.owner, prefix)
	if err != nil {
		return nil, log.Err("failed to list published datasets", err, "dataType", dataType.Slug())
	}

	seen := make(map[models.MonthKey]bool)
	for _, id := range ids {
		owner, name, found := strings.Cut(id, "/")
		if !found || owner != is.owner || !strings.HasPrefix(name, prefix) {
			continue
		}
		month, err := models.ParseMonthKey(strings.TrimPrefix(name, prefix))
		if err != nil {
			log.Debug("Skipping dataset with unexpected name", "id", id)
			continue
		}
		seen[month] = true
	}

	months := make([]models.MonthKey, 0, len(seen))
	for month := range seen {
		months = append(months, month)
	}
	sort.Slice(months, func(i, j int) bool {
		return months[i].Before(months[j])
	})
	return months, nil
}

// Gaps lists months in [start, end] that have no published dataset.
func (is *InventoryService) Gaps(
	ctx context.Context,
	dataType models.DataType,
	start, end models.MonthKey,
) ([]models.MonthKey, error) {
	present, err := is.ListPresent(ctx, dataType)
	if err != nil {
		return nil, err
	}

	missing := []models.MonthKey{}
	for _, month := range models.MonthRange(start, end) {
		if !slices.Contains(present, month) {
			missing = append(missing, month)
		}
	}
	return missing, nil
}

// ResolveOwner returns configured when set, otherwise the token's account.
func ResolveOwner(ctx context.Context, hub HubClient, configured string) (string, error) {
	log := logger.New("inventoryService").TraceFromContext(ctx).Function("ResolveOwner")

	who, err := hub.WhoAmI(ctx)
	if err != nil {
		if errors.Is(err, types.ErrUploadRejected) {
			return "", log.Err("token rejected by hub", types.KindError(
				types.ErrConfiguration,
				"HF_TOKEN rejected: %v",
				err,
			))
		}
		return "", log.Err("failed to validate token", err)
	}

	if configured != "" {
		return configured, nil
	}

	log.Info("Using token account as dataset owner", "owner", who.Name)
	return who.Name, nil
}

package coordinator

import (
	"context"
	"encoding/json"
	"io"

	"github.com/vflow-project/vflow/internal/storage"
)

// JobRegistration is one entry in the database-metadata blob's per-dataset
// job list.
type JobRegistration struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
}

// DBMetadata is the decoded form of <db>/db_metadata.
type DBMetadata struct {
	DatasetJobs map[string][]JobRegistration `json:"dataset_jobs"`
}

const dbMetadataPath = "db_metadata"

// RegisterJobCompletion performs a read-modify-write on the master at job
// completion: read the existing db_metadata blob (empty if absent),
// append this job's registration under its dataset, and write it back.
// A non-transient open failure is treated as an absent blob; a transient
// open failure, a read failure or a decode failure is returned. This call
// must only ever run on rank 0.
func RegisterJobCompletion(ctx context.Context, backend storage.Backend, datasetID, jobID, jobName string) error {
	meta, err := readDBMetadata(ctx, backend)
	if err != nil {
		return err
	}
	if meta.DatasetJobs == nil {
		meta.DatasetJobs = make(map[string][]JobRegistration)
	}
	meta.DatasetJobs[datasetID] = append(meta.DatasetJobs[datasetID], JobRegistration{JobID: jobID, JobName: jobName})

	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return storage.RetryWrite(ctx, backend, dbMetadataPath, storage.DefaultRetryPolicy(), func(wh storage.WriteHandle) error {
		if _, err := wh.Write(body); err != nil {
			return err
		}
		return wh.Save()
	})
}

func readDBMetadata(ctx context.Context, backend storage.Backend) (DBMetadata, error) {
	rh, err := backend.OpenRead(ctx, dbMetadataPath)
	if err != nil {
		// Absent metadata blob is the expected state before the first job
		// ever completes; isNotFound takes any non-transient open error to
		// mean absent, and only a transient one is returned.
		if isNotFound(err) {
			return DBMetadata{}, nil
		}
		return DBMetadata{}, err
	}
	defer rh.Close()
	buf := make([]byte, rh.Size())
	if _, err := rh.ReadAt(buf, 0); err != nil && err != io.EOF {
		return DBMetadata{}, err
	}
	var meta DBMetadata
	if len(buf) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(buf, &meta); err != nil {
		return DBMetadata{}, err
	}
	return meta, nil
}

func isNotFound(err error) bool {
	// Local/MinIO backends both surface a permanent, non-transient error
	// for a missing object; without a shared os.ErrNotExist-style
	// category from the storage interface, treat any permanent OpenRead
	// error as "absent" here since db_metadata legitimately does not
	// exist before the first job.
	return !storage.IsTransient(err)
}

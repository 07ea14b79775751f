// Package bboltstore is the default core.StateStore, persisting the
// scheduling graph to a local bbolt database: one bucket per entity kind
// (projects, apps, app versions, workunits, results, files, resource
// states) plus one for preferences, each value JSON-encoded. Projects are
// keyed by master URL; apps, app versions, workunits, results and files
// are keyed by their project's handle number joined with their name, so
// those keys follow the handles recorded in the snapshot.
package bboltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/jontk/boinc-corekeeper/internal/core"
	corekeepererrors "github.com/jontk/boinc-corekeeper/pkg/errors"
)

const (
	bucketProjects       = "projects"
	bucketApps           = "apps"
	bucketAppVersions    = "appversions"
	bucketWorkunits      = "workunits"
	bucketResults        = "results"
	bucketFiles          = "files"
	bucketResourceStates = "rec"
	bucketPrefs          = "prefs"
)

var allBuckets = []string{
	bucketProjects,
	bucketApps,
	bucketAppVersions,
	bucketWorkunits,
	bucketResults,
	bucketFiles,
	bucketResourceStates,
	bucketPrefs,
}

const prefsKey = "global"

// Store is a bbolt-backed core.StateStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// every bucket this store needs exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateStoreFailed, "open state store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateStoreFailed, "init state store buckets", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save decomposes a GraphSnapshot (JSON-encoded by the caller, per the
// core.StateStore interface) into per-entity-kind buckets in a single
// bbolt transaction.
func (s *Store) Save(ctx context.Context, snapshot []byte) error {
	var snap core.GraphSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateCorrupt, "decode snapshot", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := clearBucket(tx, bucketProjects); err != nil {
			return err
		}
		for _, p := range snap.Projects {
			if p.MasterURL == "" {
				continue
			}
			if err := putJSON(tx, bucketProjects, p.MasterURL, p); err != nil {
				return err
			}
			if err := putJSON(tx, bucketResourceStates, p.MasterURL, p.ResourceStates); err != nil {
				return err
			}
		}

		if err := clearBucket(tx, bucketApps); err != nil {
			return err
		}
		for _, a := range snap.Apps {
			key := appKey(a.Project, a.Name)
			if err := putJSON(tx, bucketApps, key, a); err != nil {
				return err
			}
		}

		if err := clearBucket(tx, bucketAppVersions); err != nil {
			return err
		}
		for _, av := range snap.AppVersions {
			key := appVersionKey(av.Project, av.App, av.VersionNum, av.Platform, av.PlanClass)
			if err := putJSON(tx, bucketAppVersions, key, av); err != nil {
				return err
			}
		}

		if err := clearBucket(tx, bucketWorkunits); err != nil {
			return err
		}
		for _, wu := range snap.Workunits {
			key := nameKey(wu.Project, wu.Name)
			if err := putJSON(tx, bucketWorkunits, key, wu); err != nil {
				return err
			}
		}

		if err := clearBucket(tx, bucketResults); err != nil {
			return err
		}
		for _, r := range snap.Results {
			key := nameKey(r.Project, r.Name)
			if err := putJSON(tx, bucketResults, key, r); err != nil {
				return err
			}
		}

		if err := clearBucket(tx, bucketFiles); err != nil {
			return err
		}
		for _, f := range snap.Files {
			key := nameKey(f.Project, f.Name)
			if err := putJSON(tx, bucketFiles, key, f); err != nil {
				return err
			}
		}

		return putJSON(tx, bucketPrefs, prefsKey, snap.Prefs)
	})
	if err != nil {
		return corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateStoreFailed, "save state", err)
	}
	return nil
}

// Load reassembles a GraphSnapshot from every bucket and returns it
// JSON-encoded, matching the []byte shape Save accepts.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var snap core.GraphSnapshot
	resourceStates := make(map[string][]core.ResourceStateSnapshot)

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := forEach(tx, bucketProjects, func(v []byte) error {
			var p core.ProjectSnapshot
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			snap.Projects = append(snap.Projects, p)
			return nil
		}); err != nil {
			return err
		}
		if err := forEachKV(tx, bucketResourceStates, func(k, v []byte) error {
			var states []core.ResourceStateSnapshot
			if err := json.Unmarshal(v, &states); err != nil {
				return err
			}
			resourceStates[string(k)] = states
			return nil
		}); err != nil {
			return err
		}
		if err := forEach(tx, bucketApps, func(v []byte) error {
			var a core.AppSnapshot
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			snap.Apps = append(snap.Apps, a)
			return nil
		}); err != nil {
			return err
		}
		if err := forEach(tx, bucketAppVersions, func(v []byte) error {
			var av core.AppVersionSnapshot
			if err := json.Unmarshal(v, &av); err != nil {
				return err
			}
			snap.AppVersions = append(snap.AppVersions, av)
			return nil
		}); err != nil {
			return err
		}
		if err := forEach(tx, bucketWorkunits, func(v []byte) error {
			var wu core.WorkunitSnapshot
			if err := json.Unmarshal(v, &wu); err != nil {
				return err
			}
			snap.Workunits = append(snap.Workunits, wu)
			return nil
		}); err != nil {
			return err
		}
		if err := forEach(tx, bucketResults, func(v []byte) error {
			var r core.ResultSnapshot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			snap.Results = append(snap.Results, r)
			return nil
		}); err != nil {
			return err
		}
		if err := forEach(tx, bucketFiles, func(v []byte) error {
			var f core.FileSnapshot
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			snap.Files = append(snap.Files, f)
			return nil
		}); err != nil {
			return err
		}

		bucket := tx.Bucket([]byte(bucketPrefs))
		if bucket != nil {
			if v := bucket.Get([]byte(prefsKey)); v != nil {
				if err := json.Unmarshal(v, &snap.Prefs); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateCorrupt, "load state", err)
	}

	for i, p := range snap.Projects {
		if states, ok := resourceStates[p.MasterURL]; ok {
			snap.Projects[i].ResourceStates = states
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeStateCorrupt, "encode snapshot", err)
	}
	return data, nil
}

func clearBucket(tx *bolt.Tx, name string) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := tx.CreateBucket([]byte(name))
	return err
}

func putJSON(tx *bolt.Tx, bucketName, key string, v interface{}) error {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return fmt.Errorf("bucket %s not found", bucketName)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

func forEach(tx *bolt.Tx, bucketName string, fn func(v []byte) error) error {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return nil
	}
	return bucket.ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

func forEachKV(tx *bolt.Tx, bucketName string, fn func(k, v []byte) error) error {
	bucket := tx.Bucket([]byte(bucketName))
	if bucket == nil {
		return nil
	}
	return bucket.ForEach(fn)
}

func appKey(project core.ProjectHandle, name string) string {
	return strconv.Itoa(int(project)) + "|" + name
}

func appVersionKey(project core.ProjectHandle, app core.AppHandle, versionNum int, platform, planClass string) string {
	return strconv.Itoa(int(project)) + "|" + strconv.Itoa(int(app)) + "|" + strconv.Itoa(versionNum) + "|" + platform + "|" + planClass
}

func nameKey(project core.ProjectHandle, name string) string {
	return strconv.Itoa(int(project)) + "|" + name
}

var _ core.StateStore = (*Store)(nil)

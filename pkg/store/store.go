// Package store is the controller's durable database: a bbolt-backed,
// bucket-per-entity store for the durable entities of pkg/model (Lab,
// Agent, Node, Link, NodePlacement, Job, Permission).
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ovlab/ovlab/pkg/model"
	"github.com/ovlab/ovlab/pkg/util"
)

const (
	bucketLabs           = "labs"
	bucketAgents         = "agents"
	bucketNodes          = "nodes"
	bucketLinks          = "links"
	bucketNodePlacements = "node_placements"
	bucketJobs           = "jobs"
	bucketPermissions    = "permissions"
)

var allBuckets = []string{
	bucketLabs, bucketAgents, bucketNodes, bucketLinks,
	bucketNodePlacements, bucketJobs, bucketPermissions,
}

// Store is the controller's durable database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every entity bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func get[T any](s *Store, bucket, key string) (T, bool, error) {
	var val T
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		data := bkt.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &val)
	})
	return val, found, err
}

func put[T any](s *Store, bucket, key string, val T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshalling %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func del(s *Store, bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

func list[T any](s *Store, bucket string) ([]T, error) {
	var items []T
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// GetLab returns a Lab by ID.
func (s *Store) GetLab(id string) (model.Lab, bool, error) {
	return get[model.Lab](s, bucketLabs, id)
}

// PutLab creates or replaces a Lab.
func (s *Store) PutLab(lab model.Lab) error {
	return put(s, bucketLabs, lab.ID, lab)
}

// DeleteLab removes a Lab.
func (s *Store) DeleteLab(id string) error {
	return del(s, bucketLabs, id)
}

// ListLabs returns every Lab.
func (s *Store) ListLabs() ([]model.Lab, error) {
	return list[model.Lab](s, bucketLabs)
}

// GetAgent returns an Agent by ID.
func (s *Store) GetAgent(id string) (model.Agent, bool, error) {
	return get[model.Agent](s, bucketAgents, id)
}

// PutAgent creates or replaces an Agent.
func (s *Store) PutAgent(agent model.Agent) error {
	return put(s, bucketAgents, agent.ID, agent)
}

// DeleteAgent removes an Agent.
func (s *Store) DeleteAgent(id string) error {
	return del(s, bucketAgents, id)
}

// ListAgents returns every Agent.
func (s *Store) ListAgents() ([]model.Agent, error) {
	return list[model.Agent](s, bucketAgents)
}

// GetNode returns a Node by ID.
func (s *Store) GetNode(id string) (model.Node, bool, error) {
	return get[model.Node](s, bucketNodes, id)
}

// PutNode creates or replaces a Node.
func (s *Store) PutNode(node model.Node) error {
	return put(s, bucketNodes, node.ID, node)
}

// DeleteNode removes a Node.
func (s *Store) DeleteNode(id string) error {
	return del(s, bucketNodes, id)
}

// ListNodesByLab returns every Node belonging to labID.
func (s *Store) ListNodesByLab(labID string) ([]model.Node, error) {
	all, err := list[model.Node](s, bucketNodes)
	if err != nil {
		return nil, err
	}
	return filterByLab(all, labID, func(n model.Node) string { return n.LabID }), nil
}

// GetLink returns a Link by ID.
func (s *Store) GetLink(id string) (model.Link, bool, error) {
	return get[model.Link](s, bucketLinks, id)
}

// PutLink creates or replaces a Link.
func (s *Store) PutLink(link model.Link) error {
	return put(s, bucketLinks, link.ID, link)
}

// DeleteLink removes a Link.
func (s *Store) DeleteLink(id string) error {
	return del(s, bucketLinks, id)
}

// ListLinksByLab returns every Link belonging to labID.
func (s *Store) ListLinksByLab(labID string) ([]model.Link, error) {
	all, err := list[model.Link](s, bucketLinks)
	if err != nil {
		return nil, err
	}
	return filterByLab(all, labID, func(l model.Link) string { return l.LabID }), nil
}

func nodePlacementKey(labID, nodeName string) string {
	return labID + "/" + nodeName
}

// PutNodePlacement records (or overwrites) a node's host affinity override.
func (s *Store) PutNodePlacement(p model.NodePlacement) error {
	return put(s, bucketNodePlacements, nodePlacementKey(p.LabID, p.NodeName), p)
}

// DeleteNodePlacementsByLab removes every placement override for labID,
// typically called when a lab is destroyed.
func (s *Store) DeleteNodePlacementsByLab(labID string) error {
	all, err := s.ListNodePlacementsByLab(labID)
	if err != nil {
		return err
	}
	for _, p := range all {
		if err := del(s, bucketNodePlacements, nodePlacementKey(p.LabID, p.NodeName)); err != nil {
			return err
		}
	}
	return nil
}

// ListNodePlacementsByLab returns every NodePlacement for labID.
func (s *Store) ListNodePlacementsByLab(labID string) ([]model.NodePlacement, error) {
	all, err := list[model.NodePlacement](s, bucketNodePlacements)
	if err != nil {
		return nil, err
	}
	return filterByLab(all, labID, func(p model.NodePlacement) string { return p.LabID }), nil
}

// GetJob returns a Job by ID.
func (s *Store) GetJob(id string) (model.Job, bool, error) {
	return get[model.Job](s, bucketJobs, id)
}

// PutJob creates or replaces a Job.
func (s *Store) PutJob(job model.Job) error {
	return put(s, bucketJobs, job.ID, job)
}

// ListJobsByAgent returns every Job currently assigned to agentID.
func (s *Store) ListJobsByAgent(agentID string) ([]model.Job, error) {
	all, err := list[model.Job](s, bucketJobs)
	if err != nil {
		return nil, err
	}
	return filterByLab(all, agentID, func(j model.Job) string { return j.AgentID }), nil
}

// ActiveJobs implements pkg/selector.ActiveJobCounter: the count of queued
// or running jobs currently assigned to agentID.
func (s *Store) ActiveJobs(agentID string) int {
	jobs, err := s.ListJobsByAgent(agentID)
	if err != nil {
		util.WithField("agent_id", agentID).Warn("counting active jobs: " + err.Error())
		return 0
	}
	n := 0
	for _, j := range jobs {
		if j.Status == model.JobQueued || j.Status == model.JobRunning {
			n++
		}
	}
	return n
}

func permissionKey(labID, userID string) string {
	return labID + "/" + userID
}

// PutPermission grants (or updates) a user's role on a lab.
func (s *Store) PutPermission(p model.Permission) error {
	return put(s, bucketPermissions, permissionKey(p.LabID, p.UserID), p)
}

// DeletePermission revokes a user's role on a lab.
func (s *Store) DeletePermission(labID, userID string) error {
	return del(s, bucketPermissions, permissionKey(labID, userID))
}

// ListPermissionsByLab returns every Permission recorded for labID.
func (s *Store) ListPermissionsByLab(labID string) ([]model.Permission, error) {
	all, err := list[model.Permission](s, bucketPermissions)
	if err != nil {
		return nil, err
	}
	return filterByLab(all, labID, func(p model.Permission) string { return p.LabID }), nil
}

// PruneJobs deletes every terminal (completed or failed) Job record whose
// CompletedAt is older than maxAge, so the jobs bucket doesn't grow without
// bound across a long-lived controller. Returns the number pruned.
func (s *Store) PruneJobs(maxAge time.Duration) (int, error) {
	all, err := list[model.Job](s, bucketJobs)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, j := range all {
		if j.Status != model.JobCompleted && j.Status != model.JobFailed {
			continue
		}
		if j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		if err := del(s, bucketJobs, j.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func filterByLab[T any](items []T, labID string, keyOf func(T) string) []T {
	var out []T
	for _, item := range items {
		if keyOf(item) == labID {
			out = append(out, item)
		}
	}
	return out
}

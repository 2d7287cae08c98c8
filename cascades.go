package s3db

import (
	"context"
	"fmt"
	"strings"
)

// CascadeSpec declares that deleting a document in one resource should
// first delete every document in ChildResource whose PartitionField value
// equals the parent's id. PartitionField must name a partition declared on
// the child resource (ResourceConfig.Partitions) so the lookup goes through
// QueryPartition rather than a full scan; a child resource without that
// partition still works, falling back to List+Get like any unsupported
// query does.
type CascadeSpec struct {
	ChildResource  string
	PartitionField string
}

// CascadeManager resolves and executes the cascade chains declared across a
// Database's resources (ResourceConfig.Cascades), generalizing the
// teacher's CascadeIndexManager — which walked raw storage keys against an
// IndexManager — onto the Resource Engine's QueryPartition/Delete so a
// cascade reuses the same schema validation, hooks, and paranoid-delete
// handling as a direct delete.
type CascadeManager struct {
	db       *Database
	cascades map[string][]CascadeSpec // parent resource name -> child specs
}

// NewCascadeManager creates an empty cascade manager bound to db.
func NewCascadeManager(db *Database) *CascadeManager {
	return &CascadeManager{db: db, cascades: make(map[string][]CascadeSpec)}
}

// Register adds one cascade relationship for parentResource.
func (cm *CascadeManager) Register(parentResource string, spec CascadeSpec) {
	cm.cascades[parentResource] = append(cm.cascades[parentResource], spec)
}

// RegisterChain adds multiple cascade relationships for parentResource.
func (cm *CascadeManager) RegisterChain(parentResource string, specs []CascadeSpec) {
	for _, spec := range specs {
		cm.Register(parentResource, spec)
	}
}

// DeleteChildren deletes every document cascading from parentID in
// parentResource, recursing into grandchildren since each child's own
// Delete call runs through DeleteChildren again for its own resource name.
// It is called by Resource.Delete before the parent document itself is
// removed, so a failed cascade leaves the parent untouched.
func (cm *CascadeManager) DeleteChildren(ctx context.Context, parentResource, parentID string) error {
	specs := cm.cascades[parentResource]
	for _, spec := range specs {
		child, ok := cm.db.GetResource(spec.ChildResource)
		if !ok {
			return fmt.Errorf("cascade delete: child resource %q not registered", spec.ChildResource)
		}
		childIDs, err := cm.resolveChildren(ctx, child, spec, parentID)
		if err != nil {
			return fmt.Errorf("cascade delete %s->%s: %w", parentResource, spec.ChildResource, err)
		}
		for _, id := range childIDs {
			if err := child.Delete(ctx, id); err != nil && !IsNotFound(err) {
				return fmt.Errorf("cascade delete failed for %s/%s: %w", spec.ChildResource, id, err)
			}
		}
	}
	return nil
}

// resolveChildren finds every child document referencing parentID, trying
// the declared partition first and falling back to a full scan when the
// partition is unsupported.
func (cm *CascadeManager) resolveChildren(ctx context.Context, child *Resource, spec CascadeSpec, parentID string) ([]string, error) {
	ids, err := child.QueryPartition(ctx, spec.PartitionField, map[string]string{spec.PartitionField: parentID})
	if err == nil {
		return ids, nil
	}
	if _, unsupported := err.(*UnsupportedQueryError); !unsupported {
		return nil, err
	}

	all, err := child.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan children: %w", err)
	}
	var matched []string
	for _, id := range all {
		doc, err := child.Get(ctx, id)
		if err != nil {
			continue
		}
		if fk, ok := doc[spec.PartitionField].(string); ok && fk == parentID {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// ValidateCascadeSpec checks that a cascade spec is usable.
func ValidateCascadeSpec(spec CascadeSpec) error {
	if spec.ChildResource == "" {
		return fmt.Errorf("cascade spec missing ChildResource")
	}
	if spec.PartitionField == "" {
		return fmt.Errorf("cascade spec missing PartitionField for %s", spec.ChildResource)
	}
	return nil
}

// DetectCircularCascade reports an error if the cascade graph contains a
// cycle (A cascades to B which eventually cascades back to A), which would
// otherwise recurse forever in DeleteChildren.
func DetectCircularCascade(cascades map[string][]CascadeSpec) error {
	visited := make(map[string]bool)
	stack := make(map[string]bool)

	var visit func(resource string) error
	visit = func(resource string) error {
		if stack[resource] {
			return fmt.Errorf("circular cascade detected involving %s", resource)
		}
		if visited[resource] {
			return nil
		}
		visited[resource] = true
		stack[resource] = true

		for _, spec := range cascades[resource] {
			if err := visit(spec.ChildResource); err != nil {
				return err
			}
		}

		stack[resource] = false
		return nil
	}

	for resource := range cascades {
		if err := visit(resource); err != nil {
			return err
		}
	}
	return nil
}

// GetCascadeTree returns a human-readable map of parent resource to its
// declared child cascades, useful for diagnostics.
func (cm *CascadeManager) GetCascadeTree() map[string][]string {
	tree := make(map[string][]string)
	for parent, specs := range cm.cascades {
		children := make([]string, len(specs))
		for i, spec := range specs {
			children[i] = fmt.Sprintf("%s (via %s)", spec.ChildResource, spec.PartitionField)
		}
		tree[parent] = children
	}
	return tree
}

// PrintCascadeTree renders GetCascadeTree as indented text.
func (cm *CascadeManager) PrintCascadeTree() string {
	var sb strings.Builder
	for parent, children := range cm.GetCascadeTree() {
		sb.WriteString(fmt.Sprintf("%s:\n", parent))
		for _, child := range children {
			sb.WriteString(fmt.Sprintf("  -> %s\n", child))
		}
	}
	return sb.String()
}

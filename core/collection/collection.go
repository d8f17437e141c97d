/*Package collection implements the CRUD and search operations of one
resource type over an object store.

A collection owns the meta fields of its resources: it invents ids and
revisions, fills missing prototype fields, enforces the optimistic
revision protocol and keeps the declared sub-resources alive next to
the base object. Searches combine the store's candidate query with a
precise in-memory pass over the merged flattened fields of the base
object and its sub-resources.
*/
package collection

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/qvarnlabs/qvarn/core/objstore"
	"github.com/qvarnlabs/qvarn/core/resourcetype"
	"github.com/qvarnlabs/qvarn/core/searchparser"
)

// NoSuchResourceError reports a missing resource or one the caller may
// not see; the two are indistinguishable on purpose.
type NoSuchResourceError struct {
	Id string
}

func (e NoSuchResourceError) Error() string {
	return fmt.Sprintf("there is no resource with id %s", e.Id)
}

// WrongRevisionError reports a PUT with a stale revision.
type WrongRevisionError struct {
	Have string
	Want string
}

func (e WrongRevisionError) Error() string {
	return fmt.Sprintf("updated resource must carry the current revision: got %s, expected %s", e.Have, e.Want)
}

// NoSearchCriteriaError reports a search without any criteria.
type NoSearchCriteriaError struct{}

func (e NoSearchCriteriaError) Error() string {
	return "no search criteria was given"
}

// UnknownSearchFieldError reports a search field the resource type does
// not declare.
type UnknownSearchFieldError struct {
	Field string
}

func (e UnknownSearchFieldError) Error() string {
	return fmt.Sprintf("resource type has no field %s", e.Field)
}

// Collection binds one resource type to an object store.
type Collection struct {
	store objstore.Store
	rt    *resourcetype.ResourceType
}

// New creates a collection for the given resource type.
func New(store objstore.Store, rt *resourcetype.ResourceType) *Collection {
	return &Collection{store: store, rt: rt}
}

// Type returns the resource type of the collection.
func (c *Collection) Type() *resourcetype.ResourceType {
	return c.rt
}

func baseKeys(id string) objstore.Keys {
	return objstore.Keys{"obj_id": id, "subpath": ""}
}

func subKeys(id, subpath string) objstore.Keys {
	return objstore.Keys{"obj_id": id, "subpath": subpath}
}

// Post validates and stores a new resource, returning it with invented
// id and revision. Every declared sub-path gets an empty completed
// sub-resource.
func (c *Collection) Post(tx objstore.Transaction, obj objstore.Object) (objstore.Object, error) {
	if err := resourcetype.ValidateNewResource(obj, c.rt); err != nil {
		return nil, err
	}
	completed := resourcetype.AddMissingFields(c.rt.LatestPrototype(), obj)
	completed["id"] = NewID()
	completed["revision"] = NewID()
	return c.insert(tx, completed)
}

// PostWithID is Post for callers with the set_meta_fields capability:
// a supplied id or revision is kept, missing ones are invented.
func (c *Collection) PostWithID(tx objstore.Transaction, obj objstore.Object) (objstore.Object, error) {
	if err := resourcetype.ValidateNewResourceWithID(obj, c.rt); err != nil {
		return nil, err
	}
	completed := resourcetype.AddMissingFields(c.rt.LatestPrototype(), obj)
	if id, ok := completed["id"].(string); !ok || id == "" {
		completed["id"] = NewID()
	}
	if revision, ok := completed["revision"].(string); !ok || revision == "" {
		completed["revision"] = NewID()
	}
	return c.insert(tx, completed)
}

func (c *Collection) insert(tx objstore.Transaction, obj objstore.Object) (objstore.Object, error) {
	id := obj["id"].(string)
	if err := c.store.CreateObject(tx, obj, true, baseKeys(id)); err != nil {
		return nil, err
	}
	for subpath, prototype := range c.rt.Subpaths() {
		sub := resourcetype.AddMissingFields(prototype, objstore.Object{})
		if err := c.store.CreateObject(tx, sub, true, subKeys(id, subpath)); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Get retrieves the base resource with the given id. A resource the
// allow condition rejects does not exist for the caller.
func (c *Collection) Get(tx objstore.Transaction, id string, allow objstore.Condition) (objstore.Object, error) {
	matches, err := c.store.GetMatches(tx, nil, allow, baseKeys(id))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, NoSuchResourceError{Id: id}
	}
	return matches[0].Body, nil
}

// GetSubresource retrieves the sub-resource at the given sub-path.
func (c *Collection) GetSubresource(tx objstore.Transaction, id, subpath string, allow objstore.Condition) (objstore.Object, error) {
	if _, declared := c.rt.Subpaths()[subpath]; !declared {
		return nil, resourcetype.UnknownSubpathError{Subpath: subpath}
	}
	matches, err := c.store.GetMatches(tx, nil, allow, subKeys(id, subpath))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, NoSuchResourceError{Id: id}
	}
	return matches[0].Body, nil
}

// Put validates and stores an update of the base resource. The carried
// revision must equal the stored one; the returned resource has a fresh
// revision. Sub-resources are left intact.
func (c *Collection) Put(tx objstore.Transaction, obj objstore.Object, allow objstore.Condition) (objstore.Object, error) {
	if err := resourcetype.ValidateResourceUpdate(obj, c.rt); err != nil {
		return nil, err
	}
	id := fmt.Sprint(obj["id"])
	current, err := c.Get(tx, id, allow)
	if err != nil {
		return nil, err
	}
	have := fmt.Sprint(obj["revision"])
	want := fmt.Sprint(current["revision"])
	if have != want {
		return nil, WrongRevisionError{Have: have, Want: want}
	}
	updated := resourcetype.AddMissingFields(c.rt.LatestPrototype(), obj)
	updated["revision"] = NewID()
	if err := c.store.RemoveObjects(tx, baseKeys(id)); err != nil {
		return nil, err
	}
	if err := c.store.CreateObject(tx, updated, true, baseKeys(id)); err != nil {
		return nil, err
	}
	return updated, nil
}

// PutSubresource replaces the sub-resource at subpath. The revision is
// checked against the base resource's and the base resource gets a new
// revision; the returned object carries it.
func (c *Collection) PutSubresource(tx objstore.Transaction, body objstore.Object, id, subpath, revision string, allow objstore.Condition) (objstore.Object, error) {
	return c.putSubresource(tx, body, id, subpath, revision, allow, true)
}

// PutSubresourceNoNewRevision is PutSubresource without the base
// revision bump. Used by file writes under the set_meta_fields
// capability, where the writer manages revisions itself.
func (c *Collection) PutSubresourceNoNewRevision(tx objstore.Transaction, body objstore.Object, id, subpath, revision string, allow objstore.Condition) (objstore.Object, error) {
	return c.putSubresource(tx, body, id, subpath, revision, allow, false)
}

func (c *Collection) putSubresource(tx objstore.Transaction, body objstore.Object, id, subpath, revision string, allow objstore.Condition, bump bool) (objstore.Object, error) {
	if err := resourcetype.ValidateSubresource(subpath, c.rt, body); err != nil {
		return nil, err
	}
	base, err := c.Get(tx, id, allow)
	if err != nil {
		return nil, err
	}
	want := fmt.Sprint(base["revision"])
	if revision != want {
		return nil, WrongRevisionError{Have: revision, Want: want}
	}
	completed := resourcetype.AddMissingFields(c.rt.Subpaths()[subpath], body)
	if err := c.store.RemoveObjects(tx, subKeys(id, subpath)); err != nil {
		return nil, err
	}
	if err := c.store.CreateObject(tx, completed, true, subKeys(id, subpath)); err != nil {
		return nil, err
	}
	newRevision := want
	if bump {
		newRevision = NewID()
		base["revision"] = newRevision
		if err := c.store.RemoveObjects(tx, baseKeys(id)); err != nil {
			return nil, err
		}
		if err := c.store.CreateObject(tx, base, true, baseKeys(id)); err != nil {
			return nil, err
		}
	}
	result := objstore.Object{}
	for name, value := range completed {
		result[name] = value
	}
	result["id"] = id
	result["revision"] = newRevision
	return result, nil
}

// Delete removes the base resource, its sub-resources and its blobs.
func (c *Collection) Delete(tx objstore.Transaction, id string, allow objstore.Condition) error {
	if _, err := c.Get(tx, id, allow); err != nil {
		return err
	}
	return c.store.RemoveObjects(tx, objstore.Keys{"obj_id": id})
}

// List returns the ids of all resources of the collection's type
// visible to the caller, in the listing envelope.
func (c *Collection) List(tx objstore.Transaction, allow objstore.Condition) (objstore.Object, error) {
	cond := objstore.ResourceTypeIs(c.rt.Type())
	matches, err := c.store.GetMatches(tx, cond, allow, objstore.Keys{"subpath": ""})
	if err != nil {
		return nil, err
	}
	resources := make([]interface{}, 0, len(matches))
	for _, match := range matches {
		resources = append(resources, objstore.Object{"id": match.Keys["obj_id"]})
	}
	return objstore.Object{"resources": resources}, nil
}

// Search evaluates a search expression and returns the projected
// results in order.
func (c *Collection) Search(tx objstore.Transaction, criteria string, allow objstore.Condition) ([]objstore.Object, error) {
	if criteria == "" {
		return nil, NoSearchCriteriaError{}
	}
	params, err := searchparser.Parse(criteria)
	if err != nil {
		return nil, err
	}
	if err := c.checkSearchFields(params); err != nil {
		return nil, err
	}

	cond := params.Cond
	if !fieldListed(params.Fields, "type") {
		typeCond := objstore.ResourceTypeIs(c.rt.Type())
		if cond == nil {
			cond = typeCond
		} else {
			cond = objstore.All(cond, typeCond)
		}
	}

	candidates, err := c.store.GetMatches(tx, cond, allow, nil)
	if err != nil {
		return nil, err
	}

	// The store's aux query over-matches when several comparisons hit
	// the same field; re-evaluate on the merged pairs of each group.
	groups := map[string]*searchGroup{}
	var order []string
	for _, match := range candidates {
		id := match.Keys["obj_id"]
		group, seen := groups[id]
		if !seen {
			group = &searchGroup{}
			groups[id] = group
			order = append(order, id)
		}
		group.pairs = append(group.pairs, objstore.Flatten(match.Body)...)
		if match.Keys["subpath"] == "" {
			group.base = match.Body
		}
	}
	var results []searchResult
	for _, id := range order {
		group := groups[id]
		if group.base == nil {
			continue
		}
		if !cond.Matches(objstore.Keys{"obj_id": id}, group.pairs) {
			continue
		}
		results = append(results, searchResult{id: id, body: group.base, pairs: group.pairs})
	}

	if len(params.SortKeys) > 0 {
		sort.SliceStable(results, func(i, j int) bool {
			return compareSortKeys(results[i], results[j], params.SortKeys) < 0
		})
	}
	results = clip(results, params.Offset, params.Limit)

	projected := make([]objstore.Object, 0, len(results))
	for _, result := range results {
		projected = append(projected, project(result, params))
	}
	return projected, nil
}

type searchGroup struct {
	base  objstore.Object
	pairs []objstore.Pair
}

type searchResult struct {
	id    string
	body  objstore.Object
	pairs []objstore.Pair
}

func (c *Collection) checkSearchFields(params *searchparser.SearchParameters) error {
	known := c.rt.SearchableFields()
	for _, meta := range []string{"type", "id", "revision"} {
		known[meta] = true
	}
	for _, field := range params.Fields {
		if !known[field] {
			return UnknownSearchFieldError{Field: field}
		}
	}
	for _, field := range params.SortKeys {
		if !known[field] {
			return UnknownSearchFieldError{Field: field}
		}
	}
	return nil
}

func fieldListed(fields []string, name string) bool {
	for _, field := range fields {
		if field == name {
			return true
		}
	}
	return false
}

// compareSortKeys orders two results by the given sort fields. For each
// field the sorted list of matching values is compared element-wise,
// numerically when both sides are numbers.
func compareSortKeys(a, b searchResult, sortKeys []string) int {
	for _, field := range sortKeys {
		if order := compareValueLists(fieldValues(a.pairs, field), fieldValues(b.pairs, field)); order != 0 {
			return order
		}
	}
	return 0
}

func fieldValues(pairs []objstore.Pair, field string) []string {
	var values []string
	for _, pair := range pairs {
		if strings.EqualFold(pair.Name, field) {
			values = append(values, objstore.ValueText(pair.Value))
		}
	}
	sort.Strings(values)
	return values
}

func compareValueLists(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if order := compareValues(a[i], b[i]); order != 0 {
			return order
		}
	}
	return len(a) - len(b)
}

func compareValues(a, b string) int {
	na, erra := strconv.ParseFloat(a, 64)
	nb, errb := strconv.ParseFloat(b, 64)
	if erra == nil && errb == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func clip(results []searchResult, offset, limit int) []searchResult {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if limit >= 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}

func project(result searchResult, params *searchparser.SearchParameters) objstore.Object {
	if params.ShowAll {
		return result.body
	}
	projected := objstore.Object{"id": result.id}
	for _, field := range params.ShowFields {
		if value, present := result.body[field]; present {
			projected[field] = value
		}
	}
	return projected
}

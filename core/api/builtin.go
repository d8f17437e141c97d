package api

import (
	"github.com/qvarnlabs/qvarn/core/objstore"
	"github.com/qvarnlabs/qvarn/core/resourcetype"
)

// The built-in resource types. The resource_type type describes the
// stored type declarations themselves and bootstraps first; listener
// and notification carry the change stream of every collection.

func resourceTypeType() *resourcetype.ResourceType {
	return resourcetype.New("resource_type", "/resource_types", resourcetype.Version{
		Version: "v0",
		Prototype: objstore.Object{
			"type":     "",
			"id":       "",
			"revision": "",
			"path":     "",
			"spec":     map[string]interface{}{},
		},
	})
}

func listenerType() *resourcetype.ResourceType {
	return resourcetype.New("listener", "/listeners", resourcetype.Version{
		Version: "v0",
		Prototype: objstore.Object{
			"type":           "",
			"id":             "",
			"revision":       "",
			"notify_of_new":  false,
			"listen_on_all":  false,
			"listen_on":      []interface{}{""},
			"listen_on_type": "",
		},
	})
}

func notificationType() *resourcetype.ResourceType {
	return resourcetype.New("notification", "/notifications", resourcetype.Version{
		Version: "v0",
		Prototype: objstore.Object{
			"type":              "",
			"id":                "",
			"revision":          "",
			"listener_id":       "",
			"resource_id":       "",
			"resource_revision": "",
			"resource_change":   "",
			"timestamp":         "",
		},
	})
}

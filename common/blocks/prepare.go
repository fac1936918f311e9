package blocks

import "github.com/fluxline/engine/common/models"

// PrepareNode fills default-shaped config fields for well-known block types
// so handlers can rely on keys existing. Returns a copy; the input node is
// never mutated.
func PrepareNode(node models.Node) models.Node {
	prepared := node
	config := make(map[string]interface{}, len(node.Data.Config)+5)
	for k, v := range node.Data.Config {
		config[k] = v
	}
	prepared.Data.Config = config

	switch NormalizeType(ResolveType(node)) {
	case "email":
		fillString(config, "to")
		fillString(config, "subject")
		fillString(config, "body")
		fillString(config, "template")
		if _, ok := config["attachments"]; !ok {
			config["attachments"] = []interface{}{}
		}
	}

	return prepared
}

func fillString(config map[string]interface{}, key string) {
	if _, ok := config[key]; !ok {
		config[key] = ""
	}
}

package zcl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// clusterFile is the layout of files in the cluster directory.
type clusterFile struct {
	Clusters []ClusterDef `json:"clusters" yaml:"clusters"`
}

// LoadClusterDir reads every *.json, *.yaml and *.yml file in dir and
// registers the clusters it defines. Definitions for a known cluster ID are
// merged into the existing one. A missing directory is not an error.
func LoadClusterDir(dir string, registry *Registry, logger *slog.Logger) (int, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("glob cluster dir: %w", err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		logger.Info("no cluster definition files found", "dir", dir)
		return 0, nil
	}
	sort.Strings(files)

	total := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", path, err)
		}

		var cf clusterFile
		if strings.HasSuffix(path, ".json") {
			err = json.Unmarshal(data, &cf)
		} else {
			err = yaml.Unmarshal(data, &cf)
		}
		if err != nil {
			return total, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range cf.Clusters {
			registry.Register(c)
		}
		total += len(cf.Clusters)
		logger.Info("loaded cluster file", "path", filepath.Base(path), "clusters", len(cf.Clusters))
	}
	return total, nil
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/flowgate/flowgate/internal/workflow"
)

// WorkflowDoc is one workflow definition extracted from a CUE package:
// the definition metadata plus its graph, both as the parsed structure and
// as the raw JSON that gets stored when the definition is published.
type WorkflowDoc struct {
	Key           string
	Name          string
	RequestType   string
	AllowLoopback bool
	Graph         workflow.Graph
	GraphJSON     []byte
}

// LoadResult contains the workflow definitions loaded from a directory.
type LoadResult struct {
	Workflows []WorkflowDoc
	FileCount int // Number of CUE files found
}

// LoadError represents an error that occurred during definition loading.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeBadWorkflow = "E101" // Workflow document malformed
	ErrCodeInvalid     = "E102" // Workflow failed structural validation
	ErrCodeDatabase    = "E201" // Database error
)

// LoadWorkflows loads all workflow definitions from a directory of CUE files.
// Each definition lives under the top-level "workflow" struct, keyed by its
// definition key:
//
//	workflow: EXPENSE_FLOW: {
//		requestType: "EXPENSE"
//		graph: { nodes: [...], edges: [...] }
//	}
func LoadWorkflows(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("definitions directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing definitions directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	result := &LoadResult{FileCount: len(cueFiles)}

	workflowsVal := value.LookupPath(cue.ParsePath("workflow"))
	if !workflowsVal.Exists() {
		return nil, &LoadError{Code: ErrCodeBadWorkflow, Message: "no top-level workflow struct found"}
	}

	iter, err := workflowsVal.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBadWorkflow, Message: fmt.Sprintf("iterating workflows: %v", err)}
	}
	for iter.Next() {
		doc, err := decodeWorkflow(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		result.Workflows = append(result.Workflows, doc)
	}

	if len(result.Workflows) == 0 {
		return nil, &LoadError{Code: ErrCodeBadWorkflow, Message: "workflow struct contains no definitions"}
	}

	return result, nil
}

func decodeWorkflow(key string, v cue.Value) (WorkflowDoc, error) {
	doc := WorkflowDoc{Key: strings.ToUpper(strings.TrimSpace(key))}

	requestType, err := v.LookupPath(cue.ParsePath("requestType")).String()
	if err != nil {
		return doc, &LoadError{Code: ErrCodeBadWorkflow,
			Message: fmt.Sprintf("workflow %s: requestType must be a string: %v", key, err)}
	}
	doc.RequestType = strings.ToUpper(strings.TrimSpace(requestType))

	doc.Name = doc.Key
	if nameVal := v.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return doc, &LoadError{Code: ErrCodeBadWorkflow,
				Message: fmt.Sprintf("workflow %s: name must be a string: %v", key, err)}
		}
		doc.Name = name
	}

	if loopVal := v.LookupPath(cue.ParsePath("allowLoopback")); loopVal.Exists() {
		allow, err := loopVal.Bool()
		if err != nil {
			return doc, &LoadError{Code: ErrCodeBadWorkflow,
				Message: fmt.Sprintf("workflow %s: allowLoopback must be a bool: %v", key, err)}
		}
		doc.AllowLoopback = allow
	}

	graphVal := v.LookupPath(cue.ParsePath("graph"))
	if !graphVal.Exists() {
		return doc, &LoadError{Code: ErrCodeBadWorkflow,
			Message: fmt.Sprintf("workflow %s: graph is required", key)}
	}
	raw, err := graphVal.MarshalJSON()
	if err != nil {
		return doc, &LoadError{Code: ErrCodeBadWorkflow,
			Message: fmt.Sprintf("workflow %s: encoding graph: %v", key, err)}
	}
	graph, err := workflow.ParseGraph(raw)
	if err != nil {
		return doc, &LoadError{Code: ErrCodeBadWorkflow,
			Message: fmt.Sprintf("workflow %s: %v", key, err)}
	}

	doc.Graph = graph
	doc.GraphJSON = raw
	return doc, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

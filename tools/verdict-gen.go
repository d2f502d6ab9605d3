// verdict-gen generates remote attestation verdict documents for exercising
// the integrity probe's verdict push path without a live attestation service.
//
// Usage:
//
//	go run tools/verdict-gen.go -output verdict.json
//	go run tools/verdict-gen.go -output verdict.json -shape fail
//	go run tools/verdict-gen.go -all -output testdata
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Shape describes one kind of generated verdict document.
type Shape struct {
	Name        string
	Description string
	Accepted    bool // whether the push API accepts the document
	Build       func(issuedAt time.Time, source, nonce string) map[string]any
}

var shapes = map[string]Shape{
	"pass": {
		Name:        "Passing Verdict",
		Description: "Minimal valid document with verdict=pass",
		Accepted:    true,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			return withNonce(baseDocument("pass", issuedAt, source), nonce)
		},
	},
	"fail": {
		Name:        "Failing Verdict",
		Description: "Minimal valid document with verdict=fail",
		Accepted:    true,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			return withNonce(baseDocument("fail", issuedAt, source), nonce)
		},
	},
	"rich": {
		Name:        "Rich Passing Verdict",
		Description: "Valid pass with nonce and service-specific details",
		Accepted:    true,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			if nonce == "" {
				nonce = randomNonce()
			}
			doc := baseDocument("pass", issuedAt, source)
			doc["nonce"] = nonce
			doc["details"] = map[string]any{
				"boot_state":     "verified",
				"os_patch_level": issuedAt.Format("2006-01"),
			}
			return doc
		},
	},
	"missing-source": {
		Name:        "Missing Source",
		Description: "Omits the required source field; fails schema validation",
		Accepted:    false,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			doc := baseDocument("pass", issuedAt, source)
			delete(doc, "source")
			return doc
		},
	},
	"empty-source": {
		Name:        "Empty Source",
		Description: "Source present but empty; fails the minLength check",
		Accepted:    false,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			return baseDocument("pass", issuedAt, "")
		},
	},
	"bad-verdict": {
		Name:        "Unknown Verdict Value",
		Description: "Verdict outside the pass/fail enum; fails schema validation",
		Accepted:    false,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			return baseDocument("inconclusive", issuedAt, source)
		},
	},
	"bad-timestamp": {
		Name:        "Malformed Timestamp",
		Description: "issued_at passes the schema but is not RFC 3339; rejected at parse",
		Accepted:    false,
		Build: func(issuedAt time.Time, source, nonce string) map[string]any {
			doc := baseDocument("pass", issuedAt, source)
			doc["issued_at"] = issuedAt.Format("2006-01-02 15:04:05")
			return doc
		},
	},
}

func main() {
	var (
		outputPath = flag.String("output", "verdict.json", "Output file path, or directory with -all")
		shapeName  = flag.String("shape", "pass", "Document shape to generate")
		source     = flag.String("source", "attest-svc.example", "Attestation service identifier")
		nonce      = flag.String("nonce", "", "Challenge nonce; empty omits it except where the shape needs one")
		age        = flag.Duration("age", 0, "How far in the past to date the document; 0 = now")
		writeAll   = flag.Bool("all", false, "Write every shape into the output directory")
		listShapes = flag.Bool("list", false, "List available shapes")
	)
	flag.Parse()

	if *listShapes {
		fmt.Println("Available shapes:")
		for _, name := range shapeNames() {
			fmt.Printf("  %-16s %s\n", name, shapes[name].Description)
		}
		os.Exit(0)
	}

	issuedAt := time.Now().UTC().Add(-*age).Truncate(time.Second)

	if *writeAll {
		if err := os.MkdirAll(*outputPath, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
			os.Exit(1)
		}
		for _, name := range shapeNames() {
			shape := shapes[name]
			path := filepath.Join(*outputPath, name+".json")
			writeDocument(path, shape.Build(issuedAt, *source, *nonce))
			fmt.Printf("  %-16s %s (%s)\n", name, path, pushWord(shape.Accepted))
		}
		fmt.Printf("Generated %d documents in %s\n", len(shapes), *outputPath)
		return
	}

	shape, ok := shapes[*shapeName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown shape: %s\n", *shapeName)
		fmt.Fprintf(os.Stderr, "Use -list to see available shapes\n")
		os.Exit(1)
	}

	doc := shape.Build(issuedAt, *source, *nonce)
	writeDocument(*outputPath, doc)
	fmt.Printf("Generated %s document to %s\n", *shapeName, *outputPath)

	printSummary(shape, doc)
}

// baseDocument builds the three required fields of the verdict schema.
func baseDocument(verdict string, issuedAt time.Time, source string) map[string]any {
	return map[string]any{
		"verdict":   verdict,
		"issued_at": issuedAt.Format(time.RFC3339),
		"source":    source,
	}
}

func withNonce(doc map[string]any, nonce string) map[string]any {
	if nonce != "" {
		doc["nonce"] = nonce
	}
	return doc
}

// randomNonce returns a hex challenge nonce of the size attestation
// services typically issue.
func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating nonce: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(buf)
}

func shapeNames() []string {
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeDocument(path string, doc map[string]any) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling document: %v\n", err)
		os.Exit(1)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}

func pushWord(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}

func printSummary(shape Shape, doc map[string]any) {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Println("\nDocument:")
	for _, key := range keys {
		fmt.Printf("  %-12s %v\n", key+":", doc[key])
	}
	fmt.Printf("  %-12s %s by the push API\n", "expected:", pushWord(shape.Accepted))
}

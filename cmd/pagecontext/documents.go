package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext/internal/model"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [file]",
		Short: "Index documents from a JSON or JSONL file",
		Long: `Reads documents and writes each to the vector store. The file may hold a
single JSON object, a JSON array of objects, or one object per line (JSONL).
Use "-" to read standard input.

Each object needs source_type and source_id; title, text, url, tags and
updated_at are optional. Writing a document whose key already exists
overwrites it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocumentsFrom(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var errs []error
			for _, d := range docs {
				id, err := app.Upsert(ctx, d)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s:%s: %w", d.SourceType, d.SourceID, err))
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "indexed %s:%s -> %s\n", d.SourceType, d.SourceID, id)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d documents indexed\n", len(docs)-len(errs), len(docs))
			return errors.Join(errs...)
		},
	}
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [source-type] [source-id]",
		Short: "Remove a document from the index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (model.Document{SourceType: args[0], SourceID: args[1]}).Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Delete(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s:%s\n", args[0], args[1])
			return nil
		},
	}
}

func readDocumentsFrom(path string, stdin io.Reader) ([]model.Document, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return parseDocuments(data)
}

// parseDocuments accepts a JSON array or a stream of JSON objects, which
// covers both a single object and JSONL. Every document is validated.
func parseDocuments(data []byte) ([]model.Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no documents in input", model.ErrValidation)
	}

	var docs []model.Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if data[0] == '[' {
		if err := dec.Decode(&docs); err != nil {
			return nil, fmt.Errorf("parse documents: %w", err)
		}
	} else {
		for n := 1; ; n++ {
			var d model.Document
			err := dec.Decode(&d)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse document %d: %w", n, err)
			}
			docs = append(docs, d)
		}
	}

	var errs []error
	for i, d := range docs {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i+1, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return docs, nil
}

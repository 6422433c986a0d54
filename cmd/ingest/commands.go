package main

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
	"alfredoptarigan/cv-evaluation-pipeline/internal/services"
)

var (
	dirCmd = &cobra.Command{
		Use:   "dir [path]",
		Short: "Ingest every supported file in a directory",
		Long: "Ingests every PDF, TXT and MD file in the directory (REFERENCE_DOCS_DIR by default). " +
			"The document type is inferred from the file name.",
		Args: cobra.MaximumNArgs(1),
		RunE: runDir,
	}

	fileCmd = &cobra.Command{
		Use:   "file <path>",
		Short: "Ingest a single reference document",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	}

	updateCmd = &cobra.Command{
		Use:   "update <id> <path>",
		Short: "Replace the content of a reference document",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpdate,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a reference document and its vectors",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List reference documents",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Find chunk references whose vector is missing from the index",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show collection and reference document counts",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

var (
	docType      string
	version      string
	listType     string
	repairOrphan bool
)

func init() {
	dirCmd.Flags().StringVar(&version, "version", "", "Version recorded on new documents (REFERENCE_DOCS_VERSION by default)")

	fileCmd.Flags().StringVarP(&docType, "type", "t", "", "Document type: job_description, cv_rubric, case_study or project_rubric (inferred from the file name when empty)")
	fileCmd.Flags().StringVar(&version, "version", "", "Version recorded on the document (REFERENCE_DOCS_VERSION by default)")

	updateCmd.Flags().StringVar(&version, "version", "", "New version (kept when empty)")

	listCmd.Flags().StringVarP(&listType, "type", "t", "", "Only list documents of this type")

	reconcileCmd.Flags().BoolVar(&repairOrphan, "repair", false, "Delete orphaned chunk references")

	rootCmd.AddCommand(dirCmd, fileCmd, updateCmd, deleteCmd, listCmd, reconcileCmd, statsCmd)
}

func runDir(cmd *cobra.Command, args []string) error {
	dir := cfg.Ingestion.ReferenceDir
	if len(args) == 1 {
		dir = args[0]
	}

	report, err := ingestion.IngestDirectory(cmd.Context(), dir, versionOrDefault())
	if err != nil {
		return err
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(report.Failures), len(report.Failures)+len(report.Results))
	}
	return nil
}

func runFile(cmd *cobra.Command, args []string) error {
	path := args[0]
	t := models.ReferenceType(docType)
	if t == "" {
		inferred, ok := services.InferReferenceType(filepath.Base(path))
		if !ok {
			return fmt.Errorf("cannot infer document type from %q; pass --type", path)
		}
		t = inferred
	}

	res, err := ingestion.Ingest(cmd.Context(), path, t, versionOrDefault())
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", args[0], err)
	}
	res, err := ingestion.Update(cmd.Context(), id, args[1], version)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", args[0], err)
	}
	if err := ingestion.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	docs, err := ingestion.List(cmd.Context(), models.ReferenceType(listType))
	if err != nil {
		return err
	}
	return printJSON(cmd, docs)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	report, err := ingestion.Reconcile(cmd.Context(), repairOrphan)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runStats(cmd *cobra.Command, _ []string) error {
	stats, err := ingestion.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, stats)
}

func versionOrDefault() string {
	if version != "" {
		return version
	}
	return cfg.Ingestion.Version
}

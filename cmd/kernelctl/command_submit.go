package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitFile string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job descriptor to the kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitJob()
	},
}

func registerSubmitCommand(root *cobra.Command) {
	root.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "job.yaml", "job descriptor file (YAML or JSON)")
}

func submitJob() error {
	raw, err := os.ReadFile(submitFile)
	if err != nil {
		return fmt.Errorf("read job descriptor %s: %w", submitFile, err)
	}

	body := raw
	if ext := filepath.Ext(submitFile); ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse YAML job descriptor: %w", err)
		}
		body, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("convert job descriptor to JSON: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, kernelURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(respBody))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("kernel rejected submission: HTTP %d", resp.StatusCode)
	}
	return nil
}

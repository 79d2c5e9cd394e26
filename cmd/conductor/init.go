package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	initForce bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a Conductor project",
	Long: `Initialize a directory for use with Conductor.

This command sets up everything needed to run Conductor:
  - Creates the definitions directory with example agent and tool files
  - Creates a .conductor.yaml project configuration template
  - Checks that ANTHROPIC_API_KEY is available

The directory argument is optional and defaults to the current directory.

Examples:
  conductor init              # Initialize current directory
  conductor init ./myproject  # Initialize specific directory
  conductor init --force      # Overwrite existing example files`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing example files")
	initCmd.Flags().StringVar(&initDir, "definitions-dir", "definitions", "Name of the definitions directory to create")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing Conductor in %s...\n\n", absPath)

	defsDir := filepath.Join(absPath, initDir)
	if err := os.MkdirAll(defsDir, 0755); err != nil {
		return fmt.Errorf("creating definitions directory: %w", err)
	}
	printStatus("✓", "Created definitions directory", color.FgGreen)

	if err := writeIfAbsent(filepath.Join(defsDir, "agents.yaml"), exampleAgents, initForce); err != nil {
		return fmt.Errorf("creating example agents: %w", err)
	}
	printStatus("✓", "Created example agent definitions", color.FgGreen)

	if err := writeIfAbsent(filepath.Join(defsDir, "tools.yaml"), exampleTools, initForce); err != nil {
		return fmt.Errorf("creating example tools: %w", err)
	}
	printStatus("✓", "Created example tool definitions", color.FgGreen)

	if err := writeIfAbsent(filepath.Join(absPath, ".conductor.yaml"), projectConfigTemplate, false); err != nil {
		return fmt.Errorf("creating project config: %w", err)
	}
	printStatus("✓", "Created .conductor.yaml template", color.FgGreen)

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	fmt.Printf("\n%s Conductor initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if apiKey == "" {
		fmt.Println("  1. Set your API key:")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Start the engine:")
	fmt.Println("     conductor run")
	fmt.Println()
	fmt.Println("  3. Submit a task from another terminal:")
	fmt.Println("     conductor submit --agent researcher \"your task here\"")
	return nil
}

// writeIfAbsent writes content unless the file already exists.
func writeIfAbsent(path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

const exampleAgents = `# Conductor agent definitions.
# Each agent is an executor template: a behavioral instruction plus the
# tools and capabilities it works with.
agents:
  - name: researcher
    instruction: |
      You research questions by breaking them into focused subtasks and
      synthesizing the answers. Prefer decomposition for multi-part
      questions; answer simple ones directly.
    capabilities: [respond]

  - name: file_worker
    instruction: |
      You read and summarize files the task points you at. Use the
      read_file tool; never guess at file contents.
    tools: [read_file]
    capabilities: [respond, read_files]
`

const exampleTools = `# Conductor tool definitions.
# Tools are invoked only after the permission manager validates the
# parameters and checks the calling agent's capabilities.
tools:
  - name: read_file
    description: Read the contents of a file
    capabilities: [read_files]
    schema:
      properties:
        path:
          type: string
          description: Absolute path of the file to read
      required: [path]
`

const projectConfigTemplate = `# Conductor Project Configuration
# This file overrides defaults from ~/.config/conductor/config.yaml

# engine:
#   workers: 4
#   recursion_depth: 5
#   provider_retries: 3
#   blocked_attempts: 3
#   max_execution_time: 15m

# definitions:
#   dir: definitions
#   watch: true

# anthropic:
#   model: claude-sonnet-4-20250514
#   use_bedrock: false
`

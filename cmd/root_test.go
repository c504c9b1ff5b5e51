package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-orchestrator/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"run", "status", "costs", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "research-orchestrator", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	inputFlag := runCmd.Flags().Lookup("input")
	require.NotNil(t, inputFlag, "run command should have --input flag")

	sheetFlag := runCmd.Flags().Lookup("sheet")
	require.NotNil(t, sheetFlag, "run command should have --sheet flag")
}

func TestStatusCommand_Flags(t *testing.T) {
	watchFlag := statusCmd.Flags().Lookup("watch")
	require.NotNil(t, watchFlag, "status command should have --watch flag")
	assert.Equal(t, "false", watchFlag.DefValue)

	intervalFlag := statusCmd.Flags().Lookup("interval")
	require.NotNil(t, intervalFlag, "status command should have --interval flag")
	assert.Equal(t, "5", intervalFlag.DefValue)
}

func TestCostsCommand_Flags(t *testing.T) {
	dayFlag := costsCmd.Flags().Lookup("day")
	require.NotNil(t, dayFlag, "costs command should have --day flag")
}

func TestServeCommand_Flags(t *testing.T) {
	portFlag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, portFlag, "serve command should have --port flag")
	assert.Equal(t, "0", portFlag.DefValue)
}

func TestLoadEntities_UnsupportedExtension(t *testing.T) {
	_, err := loadEntities("entities.txt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported input format")
}

func TestCostRates_SumsClassCaps(t *testing.T) {
	cfg = &config.Config{}
	cfg.Budget.DailyCapsUSD = map[string]float64{
		"scraping":      10.00,
		"deep_research": 40.00,
	}
	cfg.Budget.WarnFraction = 0.9

	rates := costRates()
	assert.InDelta(t, 50.00, rates.DailyCapUSD, 0.001)
	assert.InDelta(t, 0.9, rates.WarnFraction, 0.001)
}

func TestCostRates_DefaultsWhenUnset(t *testing.T) {
	cfg = &config.Config{}

	rates := costRates()
	assert.Greater(t, rates.DailyCapUSD, 0.0)
	assert.InDelta(t, 0.8, rates.WarnFraction, 0.001)
}

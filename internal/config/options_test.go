package config

import "testing"

func TestParseArgsRequiresRole(t *testing.T) {
	_, err := ParseArgs([]string{"--id", "1", "--props_file", "x.properties", "--port", "1234"})
	if err == nil {
		t.Fatal("expected configuration error when neither role flag is set")
	}
}

func TestParseArgsBothRolesRejected(t *testing.T) {
	_, err := ParseArgs([]string{"--server", "--client", "--id", "1", "--props_file", "x.properties", "--port", "1234"})
	if err == nil {
		t.Fatal("expected configuration error when both role flags are set")
	}
}

func TestParseArgsDefaults(t *testing.T) {
	opts, err := ParseArgs([]string{"-s", "-i", "2", "-r", "x.properties", "-p", "9000"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if opts.TempDir != ".nodectl_temp" {
		t.Errorf("TempDir default = %q", opts.TempDir)
	}
	if opts.Timeout.Milliseconds() != 60000 {
		t.Errorf("Timeout default = %v", opts.Timeout)
	}
}

func TestParseArgsRejectsReservedID(t *testing.T) {
	_, err := ParseArgs([]string{"--server", "--id", "255", "--props_file", "x.properties", "--port", "1234"})
	if err == nil {
		t.Fatal("expected configuration error for --id 255 (reserved sentinel)")
	}

	_, err = ParseArgs([]string{"--server", "--id", "256", "--props_file", "x.properties", "--port", "1234"})
	if err == nil {
		t.Fatal("expected configuration error for --id 256 (overflows a byte)")
	}
}

func TestParseArgsHelp(t *testing.T) {
	opts, err := ParseArgs([]string{"--help"})
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if !opts.Help {
		t.Error("expected Help to be true")
	}
}

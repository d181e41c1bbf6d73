package pipeline

import "fmt"

// dexTempDir is where APK plans extract classes*.dex before opening.
const dexTempDir = "$HOME/AI/tmp_apk"

type planStep struct {
	label string
	tool  string
	args  map[string]any
}

func command(label, cmd string) planStep {
	return planStep{label: label, tool: "termux_command", args: map[string]any{"command": cmd}}
}

// r2 steps omit session_id; validation injects the session opened by the
// preceding r2_open_file step.
func r2(label, cmd string) planStep {
	return planStep{label: label, tool: "r2_run_command", args: map[string]any{"command": cmd}}
}

// plan returns the ordered fixed calls for one artifact and depth.
func plan(kind Kind, depth Depth, path string) []planStep {
	switch kind {
	case KindAPK:
		steps := []planStep{
			command("check artifact", fmt.Sprintf("ls -la %q", path)),
			command("list archive head", fmt.Sprintf("unzip -l %q | sed -n '1,80p'", path)),
			command("extract dex", fmt.Sprintf("mkdir -p %s && unzip -o -j %q \"classes*.dex\" -d %s", dexTempDir, path, dexTempDir)),
			command("list extracted", fmt.Sprintf("ls -la %s | sed -n '1,120p'", dexTempDir)),
			{label: "open dex", tool: "r2_open_file", args: map[string]any{
				"file_path":    dexTempDir + "/classes.dex",
				"auto_analyze": false,
			}},
			{label: "basic analysis", tool: "r2_analyze_target", args: map[string]any{"strategy": "basic"}},
			r2("binary info", "i"),
			r2("strings snapshot", "iz"),
		}
		if depth == DepthDeep {
			steps = append(steps, r2("class list", "ic"))
		}
		return steps

	case KindDEX:
		steps := []planStep{
			{label: "open dex", tool: "r2_open_file", args: map[string]any{
				"file_path":    path,
				"auto_analyze": false,
			}},
			{label: "basic analysis", tool: "r2_analyze_target", args: map[string]any{"strategy": "basic"}},
			r2("binary info", "i"),
			r2("strings snapshot", "iz"),
		}
		if depth == DepthDeep {
			steps = append(steps, r2("class list", "ic"))
		}
		return steps

	case KindSO:
		steps := []planStep{
			{label: "open library", tool: "r2_open_file", args: map[string]any{
				"file_path":    path,
				"auto_analyze": false,
			}},
			{label: "basic analysis", tool: "r2_analyze_target", args: map[string]any{"strategy": "basic"}},
			r2("binary info", "i"),
			r2("imports", "iI"),
			r2("exports", "iE"),
			r2("function list", "afl"),
		}
		if depth == DepthDeep {
			steps = append(steps, r2("full autoanalysis", "aaa"))
		}
		return steps
	}
	return nil
}

package procutil

import "strings"

// SplitCommandLine builds an argv from an executable path and a TAB-delimited
// argument string. cmdLine is appended to execPath verbatim, so callers pass
// it with a leading TAB ("\t-i\tin.flv"). Each resulting token loses at most
// one leading and one trailing double quote; quotes are not otherwise
// interpreted, so a quoted token may contain spaces but never a TAB.
func SplitCommandLine(execPath, cmdLine string) []string {
	joined := execPath + cmdLine
	if joined == "" {
		return nil
	}

	args := strings.Split(joined, "\t")
	for i, arg := range args {
		arg = strings.TrimPrefix(arg, `"`)
		arg = strings.TrimSuffix(arg, `"`)
		args[i] = arg
	}
	return args
}

// windowsCommandLine renders the command line handed to CreateProcess: TABs
// become spaces and argument quoting is left exactly as the caller wrote it.
// The executable path is quoted when it contains blanks so the child still
// sees it as argv[0].
func windowsCommandLine(execPath, cmdLine string) string {
	if strings.ContainsAny(execPath, " \t") && !strings.HasPrefix(execPath, `"`) {
		execPath = `"` + execPath + `"`
	}
	return execPath + strings.ReplaceAll(cmdLine, "\t", " ")
}

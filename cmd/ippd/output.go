package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// outputStatus prints a status struct from the daemon.
func outputStatus(st *structpb.Struct) {
	if jsonOutput {
		outputJSON(st.AsMap())
		return
	}

	f := st.GetFields()
	proxy := f["proxy"].GetStructValue().GetFields()

	fmt.Printf("%-18s %s\n", "Service:", f["state"].GetStringValue())
	fmt.Printf("%-18s %s\n", "Proxy:", proxy["state"].GetStringValue())
	if server := proxy["server"].GetStringValue(); server != "" {
		fmt.Printf("%-18s %s (%s/%s)\n", "Server:", server,
			proxy["country"].GetStringValue(), proxy["city"].GetStringValue())
	}
	if filter := proxy["channel_filter"].GetStructValue(); filter != nil {
		fmt.Printf("%-18s %s\n", "Channel filter:", filter.GetFields()["isolation_key"].GetStringValue())
	}
	if usage := proxy["usage"].GetStructValue(); usage != nil {
		u := usage.GetFields()
		fmt.Printf("%-18s %s GB left, resets %s\n", "Usage:",
			u["remaining_gb"].GetStringValue(), u["reset"].GetStringValue())
	}
	if e := proxy["last_error"].GetStringValue(); e != "" {
		fmt.Printf("%-18s %s\n", "Last error:", e)
	}
	fmt.Printf("%-18s %v\n", "Startup completed:", f["startup_completed"].GetBoolValue())
	fmt.Printf("%-18s %v\n", "User enabled:", proxy["user_enabled"].GetBoolValue())

	if alert := f["alert"].GetStringValue(); alert != "" {
		fmt.Printf("%-18s %s\n", "Alert:", alert)
	}
	if notes := listStrings(f["notifications"]); len(notes) > 0 {
		fmt.Printf("%-18s %s\n", "Notifications:", strings.Join(notes, ", "))
	}
	if excl := listStrings(f["exclusions"]); len(excl) > 0 {
		fmt.Printf("%-18s %s\n", "Exclusions:", strings.Join(excl, ", "))
	}
	fmt.Printf("%-18s %s (up %.0fs)\n", "Daemon:", f["version"].GetStringValue(), f["uptime_seconds"].GetNumberValue())
}

// outputResult prints the outcome of a single command.
func outputResult(name string, ok bool, okText, failText string) {
	if jsonOutput {
		outputJSON(map[string]any{"name": name, "success": ok})
		return
	}
	status := "OK"
	text := okText
	if !ok {
		status = "--"
		text = failText
	}
	fmt.Printf("[%-2s] %s %s\n", status, name, text)
}

func listStrings(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}

// outputJSON writes any value as indented JSON to stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

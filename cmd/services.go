package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hostfetch/service"
	"hostfetch/utils"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List configured services and their capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry(newClient())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAINS\tUPLOAD\tDOWNLOAD\tACCOUNTS\tMAX SIZE")
		for _, svc := range registry.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				svc.ID(),
				strings.Join(svc.Domains(), ","),
				uploadColumn(svc),
				downloadColumn(svc),
				accountColumn(svc),
				maxSizeColumn(svc),
			)
		}
		return w.Flush()
	},
}

func uploadColumn(svc service.Service) string {
	if us, ok := svc.(service.UploadService); ok && us.UploadCapabilities().Len() > 0 {
		return us.UploadCapabilities().String()
	}
	return "-"
}

func downloadColumn(svc service.Service) string {
	if ds, ok := svc.(service.DownloadService); ok {
		return ds.DownloadCapabilities().String()
	}
	return "-"
}

func accountColumn(svc service.Service) string {
	if as, ok := svc.(service.AuthenticationService); ok && as.AuthenticationCapabilities().Len() > 0 {
		return as.AuthenticationCapabilities().String()
	}
	return "-"
}

func maxSizeColumn(svc service.Service) string {
	if us, ok := svc.(service.UploadService); ok && us.MaxUploadSize() > 0 {
		return utils.FormatBytes(us.MaxUploadSize())
	}
	return "-"
}

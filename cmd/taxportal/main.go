// Command taxportal は税務顧客ポータルのAPIサーバー・ワーカー・マイグレーションを起動する。
//
// 使い方:
//
//	taxportal [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/taxportal/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "taxportal: %v\n", err)
		os.Exit(1)
	}
}

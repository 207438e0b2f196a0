package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/andreyvit/htab"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Stores a value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(func(h htab.Handle) error {
				existed, err := reg.Put(h, []byte(args[0]), []byte(args[1]))
				if err != nil {
					return err
				}
				if existed {
					fmt.Println("put successfully (key existed)")
				} else {
					fmt.Println("put successfully")
				}
				return nil
			})
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the first value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(func(h htab.Handle) error {
				v, found, err := reg.Get(h, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("key=%s, found=%v, value=%s\n", args[0], found, v)
				return nil
			})
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key] [value]",
		Short: "Deletes a key, or only the given value of a key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(func(h htab.Handle) error {
				var deleted bool
				var err error
				if len(args) == 2 {
					deleted, err = reg.DeleteMatching(h, []byte(args[0]), []byte(args[1]))
				} else {
					deleted, err = reg.Delete(h, []byte(args[0]))
				}
				if err != nil {
					return err
				}
				fmt.Printf("key=%s, deleted=%v\n", args[0], deleted)
				return nil
			})
		},
	}
	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "Lists the entries of the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var key []byte
			if cmd.Flags().Changed("key") {
				key = []byte(viper.GetString("key"))
			}
			return withTable(func(h htab.Handle) error {
				c, err := reg.Iterate(h, key)
				if err != nil {
					return err
				}
				defer c.Close()
				var n int
				for c.Next() {
					fmt.Printf("%s\t%s\n", c.Key(), c.Value())
					n++
				}
				if err := c.Err(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%d entries\n", n)
				return nil
			})
		},
	}
	dropCmd = &cobra.Command{
		Use:   "drop",
		Short: "Deletes every entry of the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(reg.Drop)
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints table statistics and engine metrics in Prometheus format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withTable(func(h htab.Handle) error {
				s, err := reg.Stats(h)
				if err != nil {
					return err
				}
				fmt.Printf("entries=%d, keys=%d, total_size=%d\n", s.Entries, s.Keys, s.TotalSize())
				return nil
			})
			if err != nil {
				return err
			}
			engine.WriteMetrics(os.Stdout)
			return nil
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Prints every entry of the table with a header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTable(func(h htab.Handle) error {
				s, err := reg.Dump(h, htab.DumpAll)
				if err != nil {
					return err
				}
				fmt.Print(s)
				return nil
			})
		},
	}

	lnewCmd = &cobra.Command{
		Use:   "lnew [item]",
		Short: "Appends an item to a list-hash table and prints its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withList(func(h htab.Handle) error {
				id, err := reg.ListNew(h, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	lputCmd = &cobra.Command{
		Use:   "lput [id] [item]",
		Short: "Stores an item under an id of a list-hash table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withList(func(h htab.Handle) error {
				return reg.ListPut(h, id, []byte(args[1]))
			})
		},
	}
	lgetCmd = &cobra.Command{
		Use:   "lget [id]",
		Short: "Reads an item of a list-hash table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withList(func(h htab.Handle) error {
				v, found, err := reg.ListGet(h, id)
				if err != nil {
					return err
				}
				fmt.Printf("id=%d, found=%v, item=%s\n", id, found, v)
				return nil
			})
		},
	}
	ldelCmd = &cobra.Command{
		Use:   "ldel [id]",
		Short: "Deletes an item of a list-hash table and frees its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withList(func(h htab.Handle) error {
				return reg.ListDelete(h, id)
			})
		},
	}
)

func addTableCommands(root *cobra.Command) {
	lsCmd.Flags().String("key", "", "only list the values of this key")
	root.AddCommand(putCmd, getCmd, delCmd, lsCmd, dropCmd, statsCmd, dumpCmd)
}

func addListCommands(root *cobra.Command) {
	root.AddCommand(lnewCmd, lputCmd, lgetCmd, ldelCmd)
}

func withTable(f func(h htab.Handle) error) error {
	h, err := openTable()
	if err != nil {
		return err
	}
	ferr := f(h)
	if err := reg.Close(h, 0); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// withList opens a list-hash table and persists its high-water mark when done.
func withList(f func(h htab.Handle) error) error {
	h, err := reg.ListCreate(viper.GetInt("item-size"), locator(), 0644)
	if err != nil {
		return err
	}
	ferr := f(h)
	if ferr == nil {
		ferr = reg.ListFlush(h)
	}
	if err := reg.Close(h, 0); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("id must be a number: %w", err)
	}
	return uint32(v), nil
}
